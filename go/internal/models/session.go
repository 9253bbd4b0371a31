package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultEstimationUnit is used when a session is created without a unit.
const DefaultEstimationUnit = "Hours"

// SessionState defines the voting state of a session.
type SessionState string

const (
	SessionStateCollecting SessionState = "COLLECTING"
	SessionStateRevealed   SessionState = "REVEALED"
)

// Session represents one estimation room.
type Session struct {
	ID             uuid.UUID `json:"id"`
	RoomCode       string    `json:"room_code"`
	EstimationUnit string    `json:"estimation_unit"`
	Revealed       bool      `json:"revealed"`
	Active         bool      `json:"active"`
	Revision       int64     `json:"revision"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`

	// CreatorAssigned is set once the first non-spectator joins and never cleared.
	CreatorAssigned bool `json:"creator_assigned"`
}

// State reports the voting state derived from the revealed flag.
func (s *Session) State() SessionState {
	if s.Revealed {
		return SessionStateRevealed
	}
	return SessionStateCollecting
}

// Touch records a committed mutation at the given time.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
	s.Revision++
}
