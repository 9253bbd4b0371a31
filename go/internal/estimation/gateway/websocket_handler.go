package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for session connections
type WebSocketHandler struct {
	hub        *Hub
	dispatcher *Dispatcher
	baseCtx    context.Context
}

// NewWebSocketHandler creates a new WebSocket handler. Commands run under
// baseCtx rather than the upgrade request's context.
func NewWebSocketHandler(baseCtx context.Context, hub *Hub, dispatcher *Dispatcher) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		dispatcher: dispatcher,
		baseCtx:    baseCtx,
	}
}

// HandleSessionConnection upgrades the request and serves the command protocol
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newConnection(uuid.NewString(), ws, h.hub)
	h.hub.register(conn)

	go conn.writePump()
	go conn.readPump(h.baseCtx, h.dispatcher.HandleMessage, func(c *Connection) {
		h.dispatcher.Disconnect(h.baseCtx, c.ID)
	})

	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"total_connections": stats["total_connections"],
		"active_rooms":      stats["active_rooms"],
		"dropped_messages":  stats["dropped_messages"],
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/session", h.HandleSessionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
