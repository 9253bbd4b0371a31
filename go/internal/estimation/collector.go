package estimation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// VoteCollector records estimates and drives the collecting/revealed cycle.
// Callers hold the session lock and pass the open unit of work.
type VoteCollector struct {
	clock clockwork.Clock
}

// NewVoteCollector creates a vote collector
func NewVoteCollector(clock clockwork.Clock) *VoteCollector {
	return &VoteCollector{clock: clock}
}

// Submit upserts the participant's vote. It returns false without mutating
// anything when the session is revealed or the participant cannot vote in it.
func (c *VoteCollector) Submit(ctx context.Context, tx store.Tx, session *models.Session, participantID uuid.UUID, value string) (bool, error) {
	if session.Revealed {
		return false, nil
	}

	participant, err := tx.GetParticipant(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if participant.SessionID != session.ID || !participant.CanVote() {
		return false, nil
	}

	now := c.clock.Now().UTC()
	vote := &models.Vote{
		ID:            uuid.New(),
		SessionID:     session.ID,
		ParticipantID: participant.ID,
		EstimateValue: value,
		SubmittedAt:   now,
	}
	if err := tx.UpsertVote(ctx, vote); err != nil {
		return false, err
	}

	session.Touch(now)
	if err := tx.UpdateSession(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// Reveal flips the session to revealed.
func (c *VoteCollector) Reveal(ctx context.Context, tx store.Tx, session *models.Session) error {
	session.Revealed = true
	session.Touch(c.clock.Now().UTC())
	return tx.UpdateSession(ctx, session)
}

// Reset clears every vote and returns the session to collecting, whatever
// state it was in.
func (c *VoteCollector) Reset(ctx context.Context, tx store.Tx, session *models.Session) error {
	if err := tx.DeleteVotes(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to clear votes: %w", err)
	}
	session.Revealed = false
	session.Touch(c.clock.Now().UTC())
	return tx.UpdateSession(ctx, session)
}

// Aggregate returns the mean of the votes that parse as finite numbers,
// rounded half-to-even to two decimals, or nil when none do.
func Aggregate(votes []models.Vote) *float64 {
	var (
		sum   float64
		count int
	)
	for _, v := range votes {
		n, ok := parseEstimate(v.EstimateValue)
		if !ok {
			continue
		}
		sum += n
		count++
	}
	if count == 0 {
		return nil
	}

	avg := math.RoundToEven(sum/float64(count)*100) / 100
	return &avg
}

func parseEstimate(value string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
