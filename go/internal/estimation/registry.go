package estimation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// ParticipantRegistry manages session membership. Callers hold the session
// lock and pass the open unit of work.
type ParticipantRegistry struct {
	clock clockwork.Clock
}

// NewParticipantRegistry creates a participant registry
func NewParticipantRegistry(clock clockwork.Clock) *ParticipantRegistry {
	return &ParticipantRegistry{clock: clock}
}

// Join adds a participant to the session. A connection that already has a
// participant in the session gets that participant back and nothing changes.
// The first non-spectator ever to join becomes the creator.
func (r *ParticipantRegistry) Join(ctx context.Context, tx store.Tx, session *models.Session, displayName, connectionID string, spectator bool) (*models.Participant, bool, error) {
	existing, err := tx.FindParticipantByConnection(ctx, session.ID, connectionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := r.clock.Now().UTC()
	participant := &models.Participant{
		ID:           uuid.New(),
		SessionID:    session.ID,
		DisplayName:  displayName,
		ConnectionID: connectionID,
		Spectator:    spectator,
		JoinedAt:     now,
	}
	if !spectator && !session.CreatorAssigned {
		participant.Creator = true
		session.CreatorAssigned = true
	}

	if err := tx.CreateParticipant(ctx, participant); err != nil {
		return nil, false, err
	}

	session.Touch(now)
	if err := tx.UpdateSession(ctx, session); err != nil {
		return nil, false, err
	}
	return participant, true, nil
}

// Rebind moves a participant of the session onto a new connection.
func (r *ParticipantRegistry) Rebind(ctx context.Context, tx store.Tx, session *models.Session, participantID uuid.UUID, connectionID string) (bool, error) {
	participant, err := tx.GetParticipant(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if participant.SessionID != session.ID {
		return false, nil
	}
	if participant.ConnectionID == connectionID {
		return true, nil
	}

	// A connection speaks for at most one participant of the session.
	owner, err := tx.FindParticipantByConnection(ctx, session.ID, connectionID)
	switch {
	case err == nil && owner.ID != participantID:
		return false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	if err := tx.UpdateParticipantConnection(ctx, participantID, connectionID); err != nil {
		return false, err
	}

	session.Touch(r.clock.Now().UTC())
	if err := tx.UpdateSession(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// Leave removes the participant and its vote. When nobody is left the
// session is deactivated and Leave reports true.
func (r *ParticipantRegistry) Leave(ctx context.Context, tx store.Tx, session *models.Session, participant *models.Participant) (bool, error) {
	if err := tx.DeleteParticipant(ctx, participant.ID); err != nil {
		return false, fmt.Errorf("failed to remove participant: %w", err)
	}

	remaining, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return false, err
	}

	deactivated := len(remaining) == 0
	if deactivated {
		if err := tx.DeleteVotes(ctx, session.ID); err != nil {
			return false, err
		}
		session.Active = false
	}

	session.Touch(r.clock.Now().UTC())
	if err := tx.UpdateSession(ctx, session); err != nil {
		return false, err
	}
	return deactivated, nil
}

// Close deactivates the session and drops every participant and vote. It
// returns the connection ids that were bound to the session.
func (r *ParticipantRegistry) Close(ctx context.Context, tx store.Tx, session *models.Session) ([]string, error) {
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteParticipants(ctx, session.ID); err != nil {
		return nil, err
	}
	if err := tx.DeleteVotes(ctx, session.ID); err != nil {
		return nil, err
	}

	session.Active = false
	session.Touch(r.clock.Now().UTC())
	if err := tx.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	connections := make([]string, 0, len(participants))
	for _, p := range participants {
		connections = append(connections, p.ConnectionID)
	}
	return connections, nil
}
