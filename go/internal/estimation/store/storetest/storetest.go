// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

var errAbort = errors.New("abort")

// Run exercises st. Each subtest uses fresh room codes so a shared database
// can be reused between runs.
func Run(t *testing.T, st store.Store) {
	t.Helper()

	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, st) })
	t.Run("ActiveRoomCodeUnique", func(t *testing.T) { testActiveRoomCodeUnique(t, st) })
	t.Run("ParticipantsAndVotes", func(t *testing.T) { testParticipantsAndVotes(t, st) })
	t.Run("ConnectionUniquePerSession", func(t *testing.T) { testConnectionUniquePerSession(t, st) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, st) })
	t.Run("IdleSessions", func(t *testing.T) { testIdleSessions(t, st) })
}

func newSession(now time.Time) *models.Session {
	return &models.Session{
		ID:             uuid.New(),
		RoomCode:       uuid.NewString()[:8] + "test",
		EstimationUnit: models.DefaultEstimationUnit,
		Active:         true,
		Revision:       1,
		CreatedAt:      now,
		LastActivity:   now,
	}
}

func newParticipant(sessionID uuid.UUID, name, connectionID string, now time.Time) *models.Participant {
	return &models.Participant{
		ID:           uuid.New(),
		SessionID:    sessionID,
		DisplayName:  name,
		ConnectionID: connectionID,
		JoinedAt:     now,
	}
}

func within(t *testing.T, st store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func testSessionLifecycle(t *testing.T, st store.Store) {
	ctx := context.Background()
	session := newSession(now())

	within(t, st, func(tx store.Tx) error {
		return tx.CreateSession(ctx, session)
	})

	within(t, st, func(tx store.Tx) error {
		got, err := tx.GetActiveSession(ctx, session.RoomCode)
		if err != nil {
			return err
		}
		if got.ID != session.ID || got.EstimationUnit != session.EstimationUnit || got.Revision != 1 {
			t.Errorf("unexpected session %+v", got)
		}

		got.Revealed = true
		got.CreatorAssigned = true
		got.Touch(got.LastActivity.Add(time.Second))
		return tx.UpdateSession(ctx, got)
	})

	within(t, st, func(tx store.Tx) error {
		got, err := tx.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if !got.Revealed || !got.CreatorAssigned || got.Revision != 2 {
			t.Errorf("update not persisted: %+v", got)
		}

		got.Active = false
		return tx.UpdateSession(ctx, got)
	})

	within(t, st, func(tx store.Tx) error {
		if _, err := tx.GetActiveSession(ctx, session.RoomCode); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for inactive session, got %v", err)
		}
		if _, err := tx.GetSession(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown id, got %v", err)
		}
		return nil
	})
}

func testActiveRoomCodeUnique(t *testing.T, st store.Store) {
	ctx := context.Background()
	first := newSession(now())
	within(t, st, func(tx store.Tx) error {
		return tx.CreateSession(ctx, first)
	})

	dup := newSession(now())
	dup.RoomCode = first.RoomCode
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateSession(ctx, dup)
	})
	if !errors.Is(err, store.ErrRoomCodeTaken) {
		t.Fatalf("expected ErrRoomCodeTaken, got %v", err)
	}

	// Once the first session is closed the code is free again.
	within(t, st, func(tx store.Tx) error {
		first.Active = false
		return tx.UpdateSession(ctx, first)
	})
	within(t, st, func(tx store.Tx) error {
		return tx.CreateSession(ctx, dup)
	})
}

func testParticipantsAndVotes(t *testing.T, st store.Store) {
	ctx := context.Background()
	ts := now()
	session := newSession(ts)
	alice := newParticipant(session.ID, "Alice", "conn-a-"+session.RoomCode, ts)
	bob := newParticipant(session.ID, "Bob", "conn-b-"+session.RoomCode, ts)
	bob.Spectator = true

	within(t, st, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		if err := tx.CreateParticipant(ctx, alice); err != nil {
			return err
		}
		return tx.CreateParticipant(ctx, bob)
	})

	within(t, st, func(tx store.Tx) error {
		participants, err := tx.ListParticipants(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(participants) != 2 || participants[0].ID != alice.ID || participants[1].ID != bob.ID {
			t.Errorf("expected Alice then Bob in join order, got %+v", participants)
		}

		found, err := tx.FindParticipantByConnection(ctx, session.ID, alice.ConnectionID)
		if err != nil {
			return err
		}
		if found.ID != alice.ID {
			t.Errorf("expected Alice by connection, got %s", found.DisplayName)
		}

		owned, err := tx.ListParticipantsByConnection(ctx, bob.ConnectionID)
		if err != nil {
			return err
		}
		if len(owned) != 1 || !owned[0].Spectator {
			t.Errorf("expected spectator Bob by connection, got %+v", owned)
		}
		return nil
	})

	first := &models.Vote{ID: uuid.New(), SessionID: session.ID, ParticipantID: alice.ID, EstimateValue: "3", SubmittedAt: ts}
	second := &models.Vote{ID: uuid.New(), SessionID: session.ID, ParticipantID: alice.ID, EstimateValue: "5", SubmittedAt: ts.Add(time.Second)}
	within(t, st, func(tx store.Tx) error {
		if err := tx.UpsertVote(ctx, first); err != nil {
			return err
		}
		return tx.UpsertVote(ctx, second)
	})
	if second.ID != first.ID {
		t.Errorf("expected upsert to keep vote id %s, got %s", first.ID, second.ID)
	}

	within(t, st, func(tx store.Tx) error {
		votes, err := tx.ListVotes(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(votes) != 1 || votes[0].EstimateValue != "5" {
			t.Errorf("expected single vote of 5, got %+v", votes)
		}
		return nil
	})

	within(t, st, func(tx store.Tx) error {
		if err := tx.UpdateParticipantConnection(ctx, alice.ID, "conn-new-"+session.RoomCode); err != nil {
			return err
		}
		return tx.DeleteParticipant(ctx, alice.ID)
	})

	within(t, st, func(tx store.Tx) error {
		votes, err := tx.ListVotes(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(votes) != 0 {
			t.Errorf("expected votes removed with participant, got %d", len(votes))
		}
		if _, err := tx.GetParticipant(ctx, alice.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for deleted participant, got %v", err)
		}
		if err := tx.DeleteParticipants(ctx, session.ID); err != nil {
			return err
		}
		remaining, err := tx.ListParticipants(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(remaining) != 0 {
			t.Errorf("expected no participants, got %d", len(remaining))
		}
		return nil
	})
}

func testConnectionUniquePerSession(t *testing.T, st store.Store) {
	ctx := context.Background()
	ts := now()
	session := newSession(ts)
	other := newSession(ts)
	alice := newParticipant(session.ID, "Alice", "conn-a-"+session.RoomCode, ts)
	bob := newParticipant(session.ID, "Bob", "conn-b-"+session.RoomCode, ts)

	within(t, st, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, other); err != nil {
			return err
		}
		if err := tx.CreateParticipant(ctx, alice); err != nil {
			return err
		}
		return tx.CreateParticipant(ctx, bob)
	})

	err := st.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpdateParticipantConnection(ctx, bob.ID, alice.ConnectionID)
	})
	if !errors.Is(err, store.ErrConnectionTaken) {
		t.Fatalf("expected ErrConnectionTaken rebinding onto a taken connection, got %v", err)
	}

	dup := newParticipant(session.ID, "Carol", alice.ConnectionID, ts)
	err = st.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateParticipant(ctx, dup)
	})
	if !errors.Is(err, store.ErrConnectionTaken) {
		t.Fatalf("expected ErrConnectionTaken creating on a taken connection, got %v", err)
	}

	within(t, st, func(tx store.Tx) error {
		// Rebinding onto its own connection is a no-op.
		if err := tx.UpdateParticipantConnection(ctx, alice.ID, alice.ConnectionID); err != nil {
			return err
		}
		// The same connection id may be used in a different session.
		return tx.CreateParticipant(ctx, newParticipant(other.ID, "Dave", alice.ConnectionID, ts))
	})

	within(t, st, func(tx store.Tx) error {
		found, err := tx.FindParticipantByConnection(ctx, session.ID, alice.ConnectionID)
		if err != nil {
			return err
		}
		if found.ID != alice.ID {
			t.Errorf("expected Alice to keep her connection, got %s", found.DisplayName)
		}
		got, err := tx.GetParticipant(ctx, bob.ID)
		if err != nil {
			return err
		}
		if got.ConnectionID != bob.ConnectionID {
			t.Errorf("expected Bob's connection unchanged, got %q", got.ConnectionID)
		}
		return nil
	})
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	ts := now()
	session := newSession(ts)

	err := st.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		if err := tx.CreateParticipant(ctx, newParticipant(session.ID, "Ghost", "conn-g", ts)); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	within(t, st, func(tx store.Tx) error {
		if _, err := tx.GetSession(ctx, session.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected rolled back session, got %v", err)
		}
		return nil
	})

	within(t, st, func(tx store.Tx) error {
		return tx.CreateSession(ctx, session)
	})
	err = st.WithinTx(ctx, func(tx store.Tx) error {
		updated := *session
		updated.Revealed = true
		updated.Touch(ts.Add(time.Minute))
		if err := tx.UpdateSession(ctx, &updated); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	within(t, st, func(tx store.Tx) error {
		got, err := tx.GetActiveSession(ctx, session.RoomCode)
		if err != nil {
			return err
		}
		if got.Revealed || got.Revision != 1 {
			t.Errorf("expected update rolled back, got %+v", got)
		}
		return nil
	})
}

func testIdleSessions(t *testing.T, st store.Store) {
	ctx := context.Background()
	ts := now()

	stale := newSession(ts.Add(-48 * time.Hour))
	fresh := newSession(ts)
	within(t, st, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, stale); err != nil {
			return err
		}
		return tx.CreateSession(ctx, fresh)
	})

	within(t, st, func(tx store.Tx) error {
		idle, err := tx.ListIdleSessions(ctx, ts.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		foundStale := false
		for _, s := range idle {
			if s.ID == fresh.ID {
				t.Errorf("fresh session listed as idle")
			}
			if s.ID == stale.ID {
				foundStale = true
			}
		}
		if !foundStale {
			t.Errorf("stale session not listed as idle")
		}
		return nil
	})
}
