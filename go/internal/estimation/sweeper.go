package estimation

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = time.Minute

// Sweeper periodically expires sessions that have been idle longer than
// idleTimeout. A zero idleTimeout disables it.
type Sweeper struct {
	coordinator *Coordinator
	clock       clockwork.Clock
	idleTimeout time.Duration
	interval    time.Duration
}

// NewSweeper creates an idle-session sweeper
func NewSweeper(coordinator *Coordinator, clock clockwork.Clock, idleTimeout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		coordinator: coordinator,
		clock:       clock,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Enabled reports whether the sweeper has anything to do
func (s *Sweeper) Enabled() bool {
	return s.idleTimeout > 0
}

// Start runs until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.Enabled() {
		log.Info().Msg("idle session expiry disabled")
		return nil
	}

	log.Info().
		Dur("idle_timeout", s.idleTimeout).
		Dur("interval", s.interval).
		Msg("starting idle session sweeper")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idle session sweeper stopped")
			return nil
		case <-ticker.Chan():
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("idle session sweep failed")
			}
		}
	}
}

// SweepOnce expires every session idle past the timeout
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	cutoff := s.clock.Now().UTC().Add(-s.idleTimeout)
	return s.coordinator.ExpireIdle(ctx, cutoff)
}
