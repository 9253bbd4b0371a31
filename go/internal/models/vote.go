package models

import (
	"time"

	"github.com/google/uuid"
)

// Vote is one participant's estimate for the current round.
type Vote struct {
	ID            uuid.UUID `json:"id"`
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	EstimateValue string    `json:"estimate_value"`
	SubmittedAt   time.Time `json:"submitted_at"`
}
