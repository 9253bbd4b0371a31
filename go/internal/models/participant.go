package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant represents a person or observer connected to a session.
type Participant struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	DisplayName  string    `json:"display_name"`
	ConnectionID string    `json:"connection_id"`
	Creator      bool      `json:"creator"`
	Spectator    bool      `json:"spectator"`
	JoinedAt     time.Time `json:"joined_at"`
}

// CanVote reports whether the participant is allowed to submit estimates.
func (p *Participant) CanVote() bool {
	return !p.Spectator
}
