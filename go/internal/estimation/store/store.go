package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// Store provides units of work over the session data model.
type Store interface {
	// WithinTx runs fn inside a single unit of work. Writes made through tx are
	// committed only if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetActiveSession(ctx context.Context, roomCode string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error)

	// Participants
	CreateParticipant(ctx context.Context, participant *models.Participant) error
	GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	FindParticipantByConnection(ctx context.Context, sessionID uuid.UUID, connectionID string) (*models.Participant, error)
	ListParticipantsByConnection(ctx context.Context, connectionID string) ([]models.Participant, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	UpdateParticipantConnection(ctx context.Context, id uuid.UUID, connectionID string) error
	DeleteParticipant(ctx context.Context, id uuid.UUID) error
	DeleteParticipants(ctx context.Context, sessionID uuid.UUID) error

	// Votes
	UpsertVote(ctx context.Context, vote *models.Vote) error
	ListVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error)
	DeleteVotes(ctx context.Context, sessionID uuid.UUID) error
}
