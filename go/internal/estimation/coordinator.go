package estimation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Coordinator is the single entry point for session operations. Each
// operation holds its room's lock across the read-modify-write and the store
// commit, then publishes the resulting snapshot after releasing it.
type Coordinator struct {
	store    store.Store
	gateway  Gateway
	registry *ParticipantRegistry
	votes    *VoteCollector
	locks    *sessionLocks
	clock    clockwork.Clock
	metrics  MetricsCollector

	newRoomCode func() string
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock overrides the wall clock
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithRoomCodeGenerator overrides how room codes are drawn
func WithRoomCodeGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newRoomCode = fn
	}
}

// NewCoordinator creates a coordinator over st that publishes through gw.
// A nil gateway discards every publish.
func NewCoordinator(st store.Store, gw Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		gateway:     gw,
		locks:       newSessionLocks(),
		clock:       clockwork.NewRealClock(),
		metrics:     NoOpMetricsCollector{},
		newRoomCode: NewRoomCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gateway == nil {
		c.gateway = noopGateway{}
	}
	c.registry = NewParticipantRegistry(c.clock)
	c.votes = NewVoteCollector(c.clock)
	return c
}

// CreateSession opens a new session in the collecting state and returns its
// room code. An empty unit falls back to models.DefaultEstimationUnit.
func (c *Coordinator) CreateSession(ctx context.Context, estimationUnit string) (_ string, err error) {
	defer c.observe("create_session", time.Now(), &err)

	if estimationUnit == "" {
		estimationUnit = models.DefaultEstimationUnit
	}
	if err := validateField("estimation unit", estimationUnit, unitMaxLength); err != nil {
		return "", err
	}

	for attempt := 1; attempt <= maxRoomCodeAttempts; attempt++ {
		code := c.newRoomCode()
		now := c.clock.Now().UTC()
		session := &models.Session{
			ID:             uuid.New(),
			RoomCode:       code,
			EstimationUnit: estimationUnit,
			Active:         true,
			Revision:       1,
			CreatedAt:      now,
			LastActivity:   now,
		}

		// Each attempt gets its own unit of work; a failed insert poisons a
		// Postgres transaction.
		err := c.store.WithinTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetActiveSession(ctx, code); err == nil {
				return store.ErrRoomCodeTaken
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return tx.CreateSession(ctx, session)
		})
		if errors.Is(err, store.ErrRoomCodeTaken) {
			log.Warn().Str("room_code", code).Int("attempt", attempt).Msg("room code collision, drawing another")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}

		log.Info().
			Str("room_code", code).
			Str("session_id", session.ID.String()).
			Str("estimation_unit", estimationUnit).
			Msg("session created")
		return code, nil
	}

	return "", fmt.Errorf("failed to allocate room code after %d attempts: %w", maxRoomCodeAttempts, store.ErrRoomCodeTaken)
}

// SessionExists reports whether an active session uses roomCode.
func (c *Coordinator) SessionExists(ctx context.Context, roomCode string) (bool, error) {
	if !validRoomCode(roomCode) {
		return false, nil
	}

	exists := false
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetActiveSession(ctx, roomCode)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return exists, nil
}

// Join adds a participant bound to connectionID and subscribes the
// connection to the room. Joining twice from one connection returns the
// original participant.
func (c *Coordinator) Join(ctx context.Context, roomCode, displayName, connectionID string, spectator bool) (id uuid.UUID, err error) {
	defer c.observe("join", time.Now(), &err)

	displayName = strings.TrimSpace(displayName)
	if err := validateField("display name", displayName, displayNameMaxLength); err != nil {
		return uuid.Nil, err
	}
	if err := validateField("connection id", connectionID, connectionIDMaxLength); err != nil {
		return uuid.Nil, err
	}

	var (
		participant *models.Participant
		created     bool
		snap        *Snapshot
	)
	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		var err error
		participant, created, err = c.registry.Join(ctx, tx, session, displayName, connectionID, spectator)
		if err != nil {
			return fmt.Errorf("failed to join session: %w", err)
		}
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	if created {
		log.Info().
			Str("room_code", roomCode).
			Str("participant_id", participant.ID.String()).
			Str("connection_id", connectionID).
			Bool("creator", participant.Creator).
			Bool("spectator", participant.Spectator).
			Msg("participant joined")
	}

	c.gateway.Subscribe(connectionID, roomCode)
	c.publish(ctx, roomCode, EventTypeParticipantJoined, snap)
	return participant.ID, nil
}

// SubmitVote records or replaces the participant's estimate. It returns
// false without changing anything when the session is missing or revealed,
// or the participant is not a voter in it.
func (c *Coordinator) SubmitVote(ctx context.Context, roomCode string, participantID uuid.UUID, value string) (accepted bool, err error) {
	defer c.observe("submit_vote", time.Now(), &err)

	if err := validateField("estimate value", value, estimateMaxLength); err != nil {
		return false, err
	}

	var snap *Snapshot
	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		ok, err := c.votes.Submit(ctx, tx, session, participantID, value)
		if err != nil {
			return fmt.Errorf("failed to submit vote: %w", err)
		}
		if !ok {
			return nil
		}
		accepted = true
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !accepted {
		log.Debug().
			Str("room_code", roomCode).
			Str("participant_id", participantID.String()).
			Msg("vote rejected")
		return false, nil
	}

	c.publish(ctx, roomCode, EventTypeVoteSubmitted, snap)
	return true, nil
}

// Reveal exposes every vote and the aggregate.
func (c *Coordinator) Reveal(ctx context.Context, roomCode string) (snap *Snapshot, err error) {
	defer c.observe("reveal", time.Now(), &err)

	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		if err := c.votes.Reveal(ctx, tx, session); err != nil {
			return fmt.Errorf("failed to reveal votes: %w", err)
		}
		var err error
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, roomCode, EventTypeVotesRevealed, snap)
	return snap, nil
}

// Reset clears all votes and returns the session to collecting.
func (c *Coordinator) Reset(ctx context.Context, roomCode string) error {
	return c.reset(ctx, roomCode, "reset", EventTypeVotesReset)
}

// StartNewVote is Reset announced as a new round.
func (c *Coordinator) StartNewVote(ctx context.Context, roomCode string) error {
	return c.reset(ctx, roomCode, "start_new_vote", EventTypeNewVoteStarted)
}

func (c *Coordinator) reset(ctx context.Context, roomCode, operation string, event EventType) (err error) {
	defer c.observe(operation, time.Now(), &err)

	var snap *Snapshot
	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		if err := c.votes.Reset(ctx, tx, session); err != nil {
			return fmt.Errorf("failed to reset votes: %w", err)
		}
		var err error
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if err != nil {
		return err
	}

	c.publish(ctx, roomCode, event, snap)
	return nil
}

// ChangeEstimationUnit relabels the session's unit. It returns false when the
// session does not exist.
func (c *Coordinator) ChangeEstimationUnit(ctx context.Context, roomCode, unit string) (changed bool, err error) {
	defer c.observe("change_estimation_unit", time.Now(), &err)

	if err := validateField("estimation unit", unit, unitMaxLength); err != nil {
		return false, err
	}

	var snap *Snapshot
	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		session.EstimationUnit = unit
		session.Touch(c.clock.Now().UTC())
		if err := tx.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("failed to change estimation unit: %w", err)
		}
		var err error
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.publish(ctx, roomCode, EventTypeEstimationUnitChanged, snap)
	return true, nil
}

// Reconnect binds an existing participant to a new connection and subscribes
// that connection to the room.
func (c *Coordinator) Reconnect(ctx context.Context, roomCode string, participantID uuid.UUID, connectionID string) (ok bool, err error) {
	defer c.observe("reconnect", time.Now(), &err)

	if err := validateField("connection id", connectionID, connectionIDMaxLength); err != nil {
		return false, err
	}

	err = c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		var err error
		ok, err = c.registry.Rebind(ctx, tx, session, participantID, connectionID)
		if err != nil {
			return fmt.Errorf("failed to rebind participant: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}

	log.Info().
		Str("room_code", roomCode).
		Str("participant_id", participantID.String()).
		Str("connection_id", connectionID).
		Msg("participant reconnected")

	c.gateway.Subscribe(connectionID, roomCode)
	return true, nil
}

type ownedParticipant struct {
	participantID uuid.UUID
	sessionID     uuid.UUID
	roomCode      string
}

// RemoveByConnection removes every participant bound to connectionID. A
// session left empty is deactivated. Cancelling ctx does not stop the
// cleanup once it has started.
func (c *Coordinator) RemoveByConnection(ctx context.Context, connectionID string) (err error) {
	defer c.observe("remove_by_connection", time.Now(), &err)

	ctx = context.WithoutCancel(ctx)
	defer c.gateway.Unsubscribe(connectionID)

	var owned []ownedParticipant
	err = c.store.WithinTx(ctx, func(tx store.Tx) error {
		participants, err := tx.ListParticipantsByConnection(ctx, connectionID)
		if err != nil {
			return err
		}
		for _, p := range participants {
			session, err := tx.GetSession(ctx, p.SessionID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			owned = append(owned, ownedParticipant{
				participantID: p.ID,
				sessionID:     session.ID,
				roomCode:      session.RoomCode,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to look up connection participants: %w", err)
	}

	var errs []error
	for _, o := range owned {
		if err := c.removeParticipant(ctx, o, connectionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) removeParticipant(ctx context.Context, o ownedParticipant, connectionID string) error {
	var (
		snap        *Snapshot
		deactivated bool
		removed     bool
	)
	err := c.withSession(ctx, o.roomCode, func(tx store.Tx, session *models.Session) error {
		if session.ID != o.sessionID {
			return nil
		}
		participant, err := tx.GetParticipant(ctx, o.participantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Reconnect may have moved the participant off this connection.
		if participant.ConnectionID != connectionID {
			return nil
		}

		deactivated, err = c.registry.Leave(ctx, tx, session, participant)
		if err != nil {
			return err
		}
		removed = true
		if deactivated {
			return nil
		}
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove participant %s: %w", o.participantID, err)
	}
	if !removed {
		return nil
	}

	logger := log.Info().
		Str("room_code", o.roomCode).
		Str("participant_id", o.participantID.String()).
		Str("connection_id", connectionID)
	if deactivated {
		logger.Msg("last participant left, session deactivated")
		return nil
	}
	logger.Msg("participant left")

	c.publish(ctx, o.roomCode, EventTypeParticipantLeft, snap)
	return nil
}

// Snapshot returns the current read model of the session.
func (c *Coordinator) Snapshot(ctx context.Context, roomCode string) (*Snapshot, error) {
	var snap *Snapshot
	err := c.withSession(ctx, roomCode, func(tx store.Tx, session *models.Session) error {
		var err error
		snap, err = c.snapshotTx(ctx, tx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ExpireIdle deactivates every active session whose last activity is before
// cutoff and returns how many it closed.
func (c *Coordinator) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	var idle []models.Session
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		idle, err = tx.ListIdleSessions(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range idle {
		var snap *Snapshot
		err := c.withSession(ctx, candidate.RoomCode, func(tx store.Tx, session *models.Session) error {
			// The session may have been used since it was listed.
			if session.ID != candidate.ID || !session.LastActivity.Before(cutoff) {
				return nil
			}
			if _, err := c.registry.Close(ctx, tx, session); err != nil {
				return err
			}
			var err error
			snap, err = c.snapshotTx(ctx, tx, session)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to expire session %s: %w", candidate.RoomCode, err))
			continue
		}
		if snap == nil {
			continue
		}

		expired++
		log.Info().
			Str("room_code", candidate.RoomCode).
			Time("last_activity", candidate.LastActivity).
			Msg("idle session expired")
		c.publish(ctx, candidate.RoomCode, EventTypeSessionExpired, snap)
	}

	c.metrics.RecordSessionsExpired(expired)
	return expired, errors.Join(errs...)
}

// withSession runs fn under the room's lock inside one unit of work with the
// active session loaded.
func (c *Coordinator) withSession(ctx context.Context, roomCode string, fn func(tx store.Tx, session *models.Session) error) error {
	if !validRoomCode(roomCode) {
		return sessionNotFound(roomCode)
	}

	release, err := c.locks.acquire(ctx, roomCode)
	if err != nil {
		return err
	}
	defer release()

	return c.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetActiveSession(ctx, roomCode)
		if errors.Is(err, store.ErrNotFound) {
			return sessionNotFound(roomCode)
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		return fn(tx, session)
	})
}

func (c *Coordinator) snapshotTx(ctx context.Context, tx store.Tx, session *models.Session) (*Snapshot, error) {
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	votes, err := tx.ListVotes(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	return buildSnapshot(session, participants, votes), nil
}

func (c *Coordinator) publish(ctx context.Context, roomCode string, event EventType, snap *Snapshot) {
	c.gateway.Publish(ctx, roomCode, event, snap)
	c.metrics.RecordPublish(event)

	log.Debug().
		Str("room_code", roomCode).
		Str("event_type", string(event)).
		Int64("revision", snap.Revision).
		Msg("snapshot published")
}

func (c *Coordinator) observe(operation string, start time.Time, err *error) {
	success := *err == nil || errors.Is(*err, ErrNotFound) || errors.Is(*err, ErrInvalidArgument)
	c.metrics.RecordOperation(operation, success, time.Since(start))
}
