// Package pgnotify fans snapshots out between gateway instances with
// Postgres LISTEN/NOTIFY.
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChannel = "estimation_snapshots"

	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxPayloadBytes = 7999

	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// Relay implements gateway.Relay on LISTEN/NOTIFY
type Relay struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	ready    chan struct{}
}

var _ gateway.Relay = (*Relay)(nil)

// New opens a connection for NOTIFY and a listener for LISTEN on dsn
func New(dsn, channel string) (*Relay, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Error().Err(err).Msg("postgres listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("postgres listener reconnected")
		}
	})

	return &Relay{
		db:       db,
		listener: listener,
		channel:  channel,
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once Start is listening
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish notifies the channel. Envelopes too large for a NOTIFY payload are
// logged and dropped.
func (r *Relay) Publish(ctx context.Context, env gateway.Envelope) error {
	data, err := gateway.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) > maxPayloadBytes {
		log.Warn().
			Str("room_code", env.RoomCode).
			Int("payload_bytes", len(data)).
			Msg("snapshot too large for NOTIFY, not relayed")
		return nil
	}

	if _, err := r.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", r.channel, string(data)); err != nil {
		return fmt.Errorf("notify postgres: %w", err)
	}
	return nil
}

// Start listens on the channel and delivers until ctx is done
func (r *Relay) Start(ctx context.Context, deliver func(gateway.Envelope)) error {
	if err := r.listener.Listen(r.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", r.channel, err)
	}
	close(r.ready)

	log.Info().Str("channel", r.channel).Msg("postgres relay listening")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-r.listener.Notify:
			// nil after a reconnect; anything sent meanwhile is lost
			if n == nil {
				continue
			}
			env, err := gateway.DecodeEnvelope([]byte(n.Extra))
			if err != nil {
				log.Warn().Err(err).Str("channel", n.Channel).Msg("dropping malformed relay message")
				continue
			}
			deliver(env)
		case <-ticker.C:
			go func() {
				if err := r.listener.Ping(); err != nil {
					log.Debug().Err(err).Msg("postgres listener ping failed")
				}
			}()
		}
	}
}

// Ping checks the notify connection
func (r *Relay) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close stops the listener and the notify connection
func (r *Relay) Close() error {
	lerr := r.listener.Close()
	derr := r.db.Close()
	if lerr != nil {
		return fmt.Errorf("close listener: %w", lerr)
	}
	return derr
}
