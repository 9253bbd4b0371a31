package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Relay carries publishes between hubs in different processes. Start blocks,
// handing every envelope received from the bus to deliver, until ctx is done.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Start(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// EncodeEnvelope is the wire form shared by all relays
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a relayed envelope
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.RoomCode == "" || env.Snapshot == nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: missing room code or snapshot")
	}
	return env, nil
}
