package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/planningpoker/go/internal/estimation"
	"github.com/rs/zerolog/log"
)

// Hub fans snapshots out to the WebSocket connections subscribed to a room.
// A single broadcast loop delivers publishes in the order they were made.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[*Connection]bool
	revisions   map[string]revisionMark

	config      ConnectionConfig
	upgrader    websocket.Upgrader
	instanceID  string
	broadcastCh chan Envelope
	relay       Relay
	relayCh     chan Envelope

	dropped atomic.Int64
}

type revisionMark struct {
	sessionID uuid.UUID
	revision  int64
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		BroadcastBuffer: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewHub creates a hub. relay may be nil for a single-process deployment.
func NewHub(config ConnectionConfig, relay Relay) *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[*Connection]bool),
		revisions:   make(map[string]revisionMark),
		config:      config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		instanceID:  uuid.NewString(),
		broadcastCh: make(chan Envelope, config.BroadcastBuffer),
		relay:       relay,
	}
	if relay != nil {
		h.relayCh = make(chan Envelope, config.BroadcastBuffer)
	}
	return h
}

var _ estimation.Gateway = (*Hub)(nil)

// Start processes broadcasts until ctx is cancelled
func (h *Hub) Start(ctx context.Context) error {
	log.Info().Str("instance_id", h.instanceID).Msg("hub started")

	if h.relay != nil {
		go h.forwardToRelay(ctx)
		go func() {
			if err := h.relay.Start(ctx, h.deliverRemote); err != nil {
				log.Error().Err(err).Msg("relay subscription failed")
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hub shutting down")
			h.closeAll()
			return nil
		case env := <-h.broadcastCh:
			h.handleBroadcast(env)
		}
	}
}

// Subscribe adds the connection to the room's group
func (h *Hub) Subscribe(connectionID, roomCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		log.Debug().Str("connection_id", connectionID).Msg("subscribe for unknown connection ignored")
		return
	}
	if h.rooms[roomCode] == nil {
		h.rooms[roomCode] = make(map[*Connection]bool)
	}
	h.rooms[roomCode][conn] = true
	conn.rooms[roomCode] = true

	log.Debug().
		Str("connection_id", connectionID).
		Str("room_code", roomCode).
		Int("room_connections", len(h.rooms[roomCode])).
		Msg("connection subscribed")
}

// Unsubscribe removes the connection from every group it joined
func (h *Hub) Unsubscribe(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		return
	}
	h.leaveRoomsLocked(conn)
}

// Publish queues the snapshot for local delivery and for the relay. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Publish(ctx context.Context, roomCode string, event estimation.EventType, snapshot *estimation.Snapshot) {
	env := Envelope{
		Origin:   h.instanceID,
		RoomCode: roomCode,
		Event:    event,
		Snapshot: snapshot,
	}
	h.enqueue(env)

	if h.relayCh != nil {
		select {
		case h.relayCh <- env:
		default:
			h.dropped.Add(1)
			log.Warn().Str("room_code", roomCode).Msg("relay queue full, dropping message")
		}
	}
}

func (h *Hub) enqueue(env Envelope) {
	select {
	case h.broadcastCh <- env:
	default:
		h.dropped.Add(1)
		log.Warn().
			Str("room_code", env.RoomCode).
			Str("event_type", string(env.Event)).
			Msg("broadcast channel full, dropping message")
	}
}

// deliverRemote receives envelopes from the relay
func (h *Hub) deliverRemote(env Envelope) {
	if env.Origin == h.instanceID || env.Snapshot == nil {
		return
	}
	h.enqueue(env)
}

func (h *Hub) forwardToRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.relayCh:
			if err := h.relay.Publish(ctx, env); err != nil {
				log.Error().
					Err(err).
					Str("room_code", env.RoomCode).
					Str("event_type", string(env.Event)).
					Msg("failed to relay snapshot")
			}
		}
	}
}

func (h *Hub) handleBroadcast(env Envelope) {
	if env.Snapshot == nil {
		return
	}

	h.mu.Lock()
	if len(h.rooms[env.RoomCode]) == 0 {
		delete(h.revisions, env.RoomCode)
		h.mu.Unlock()
		return
	}
	mark, seen := h.revisions[env.RoomCode]
	if seen && mark.sessionID == env.Snapshot.SessionID && env.Snapshot.Revision < mark.revision {
		h.mu.Unlock()
		log.Debug().
			Str("room_code", env.RoomCode).
			Int64("revision", env.Snapshot.Revision).
			Int64("delivered_revision", mark.revision).
			Msg("stale snapshot dropped")
		return
	}
	h.revisions[env.RoomCode] = revisionMark{sessionID: env.Snapshot.SessionID, revision: env.Snapshot.Revision}
	if !env.Snapshot.Active {
		delete(h.revisions, env.RoomCode)
	}

	var targets []*Connection
	for conn := range h.rooms[env.RoomCode] {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	data, err := json.Marshal(EventMessage{
		Type:     MessageTypeEvent,
		Event:    env.Event,
		RoomCode: env.RoomCode,
		Snapshot: env.Snapshot,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Connection is slow or dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("room_code", env.RoomCode).
				Msg("connection send buffer full, closing connection")
			h.unregister(conn)
			if conn.Conn != nil {
				conn.Conn.Close()
			}
		}
	}

	log.Debug().
		Str("event_type", string(env.Event)).
		Str("room_code", env.RoomCode).
		Int64("revision", env.Snapshot.Revision).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(h.connections)).
		Msg("connection registered")
}

// unregister drops the connection and closes its send channel. It reports
// whether this call removed it.
func (h *Hub) unregister(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return false
	}
	delete(h.connections, conn.ID)
	h.leaveRoomsLocked(conn)
	conn.closeSend()

	log.Info().
		Str("connection_id", conn.ID).
		Msg("connection unregistered")
	return true
}

// leaveRoomsLocked removes conn from all its groups. Callers hold h.mu.
func (h *Hub) leaveRoomsLocked(conn *Connection) {
	for room := range conn.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, conn)
			if len(members) == 0 {
				delete(h.rooms, room)
				delete(h.revisions, room)
			}
		}
		delete(conn.rooms, room)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
}

// RoomSize returns the number of connections subscribed to roomCode
func (h *Hub) RoomSize(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomCode])
}

// GetConnectionStats returns statistics about active connections
func (h *Hub) GetConnectionStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomCounts := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		roomCounts[room] = len(members)
	}

	return map[string]interface{}{
		"total_connections": len(h.connections),
		"active_rooms":      len(h.rooms),
		"room_connections":  roomCounts,
		"dropped_messages":  h.dropped.Load(),
		"instance_id":       h.instanceID,
	}
}
