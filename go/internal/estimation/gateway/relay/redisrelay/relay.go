// Package redisrelay fans snapshots out between gateway instances over a
// Redis pub/sub channel.
package redisrelay

import (
	"context"
	"fmt"

	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "estimation:snapshots"

// Relay implements gateway.Relay on Redis pub/sub
type Relay struct {
	client  redis.UniversalClient
	channel string
	ready   chan struct{}
}

var _ gateway.Relay = (*Relay)(nil)

// New creates a relay on client. An empty channel uses DefaultChannel.
func New(client redis.UniversalClient, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, ready: make(chan struct{})}
}

// NewFromURL parses a redis:// URL and connects
func NewFromURL(ctx context.Context, url, channel string) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, channel), nil
}

// Ready is closed once Start has subscribed
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish sends env on the channel
func (r *Relay) Publish(ctx context.Context, env gateway.Envelope) error {
	data, err := gateway.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Start subscribes and delivers until ctx is done
func (r *Relay) Start(ctx context.Context, deliver func(gateway.Envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	close(r.ready)

	log.Info().Str("channel", r.channel).Msg("redis relay subscribed")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			env, err := gateway.DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed relay message")
				continue
			}
			deliver(env)
		}
	}
}

// Ping checks the Redis connection
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *Relay) Close() error {
	return r.client.Close()
}
