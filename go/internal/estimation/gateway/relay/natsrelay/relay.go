// Package natsrelay fans snapshots out between gateway instances over core
// NATS subjects, one subject per room.
package natsrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the NATS relay
type Config struct {
	URL           string
	SubjectPrefix string // e.g., "estimation.snapshots"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default NATS relay configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "estimation.snapshots",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Relay implements gateway.Relay on NATS
type Relay struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	ready  chan struct{}
}

var _ gateway.Relay = (*Relay)(nil)

// New connects to NATS
func New(config Config) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("estimation-gateway"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := NewWithConn(nc, config.SubjectPrefix)
	r.owned = true
	return r, nil
}

// NewWithConn builds a relay on an existing connection, which the caller
// keeps ownership of.
func NewWithConn(nc *nats.Conn, prefix string) *Relay {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &Relay{nc: nc, prefix: prefix, ready: make(chan struct{})}
}

// Subject returns the subject a room's snapshots are published on
func (r *Relay) Subject(roomCode string) string {
	return r.prefix + "." + roomCode
}

// Ready is closed once Start has subscribed
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish sends env on the room's subject
func (r *Relay) Publish(ctx context.Context, env gateway.Envelope) error {
	data, err := gateway.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(r.Subject(env.RoomCode), data); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

// Start subscribes to every room subject and delivers until ctx is done
func (r *Relay) Start(ctx context.Context, deliver func(gateway.Envelope)) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(r.prefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribe to NATS: %w", err)
	}
	defer sub.Unsubscribe()

	if err := r.nc.Flush(); err != nil {
		return fmt.Errorf("flush NATS subscription: %w", err)
	}
	close(r.ready)

	log.Info().Str("subject", r.prefix+".>").Msg("NATS relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			env, err := gateway.DecodeEnvelope(msg.Data)
			if err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed relay message")
				continue
			}
			deliver(env)
		}
	}
}

// Ping reports whether the connection is currently up
func (r *Relay) Ping(ctx context.Context) error {
	if !r.nc.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", r.nc.Status())
	}
	return nil
}

// Close drains the connection if the relay opened it
func (r *Relay) Close() error {
	if !r.owned {
		return nil
	}
	if err := r.nc.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
