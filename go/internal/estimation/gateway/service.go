package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service bundles the hub with its HTTP handlers
type Service struct {
	hub        *Hub
	dispatcher *Dispatcher
	wsHandler  *WebSocketHandler
	apiHandler *APIHandler
	relay      Relay
}

// NewService creates the gateway service. The hub must be the gateway the
// coordinator behind sessions publishes through.
func NewService(baseCtx context.Context, hub *Hub, sessions Sessions) *Service {
	dispatcher := NewDispatcher(sessions)
	return &Service{
		hub:        hub,
		dispatcher: dispatcher,
		wsHandler:  NewWebSocketHandler(baseCtx, hub, dispatcher),
		apiHandler: NewAPIHandler(sessions),
		relay:      hub.relay,
	}
}

// Start runs the hub until ctx is cancelled, then closes the relay
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting session gateway service")

	err := s.hub.Start(ctx)

	if s.relay != nil {
		if cerr := s.relay.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("failed to close relay")
		}
	}
	log.Info().Msg("session gateway service stopped")
	return err
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	log.Info().Msg("session gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.hub.GetConnectionStats()
	stats["service"] = "session_gateway"
	stats["status"] = "running"
	return stats
}
