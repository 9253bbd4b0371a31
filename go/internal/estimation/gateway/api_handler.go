package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mcdev12/planningpoker/go/internal/estimation"
	"github.com/rs/zerolog/log"
)

// APIHandler serves the REST surface for sessions
type APIHandler struct {
	sessions Sessions
}

// NewAPIHandler creates a new session API handler
func NewAPIHandler(sessions Sessions) *APIHandler {
	return &APIHandler{sessions: sessions}
}

type createSessionRequest struct {
	EstimationUnit string `json:"estimation_unit"`
}

type createSessionResponse struct {
	RoomCode string `json:"room_code"`
}

type sessionExistsResponse struct {
	RoomCode string `json:"room_code"`
	Exists   bool   `json:"exists"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCreateSession handles POST /api/sessions
func (h *APIHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	code, err := h.sessions.CreateSession(r.Context(), req.EstimationUnit)
	if err != nil {
		writeError(w, err, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{RoomCode: code})
}

// HandleSessionExists handles GET /api/sessions/{code}
func (h *APIHandler) HandleSessionExists(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	exists, err := h.sessions.SessionExists(r.Context(), code)
	if err != nil {
		writeError(w, err, "failed to look up session")
		return
	}

	status := http.StatusOK
	if !exists {
		status = http.StatusNotFound
	}
	writeJSON(w, status, sessionExistsResponse{RoomCode: code, Exists: exists})
}

// HandleGetSessionState handles GET /api/sessions/{code}/state
func (h *APIHandler) HandleGetSessionState(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	snap, err := h.sessions.Snapshot(r.Context(), code)
	if err != nil {
		writeError(w, err, "failed to get session state")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RegisterRoutes registers the session API routes
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.HandleCreateSession)
	mux.HandleFunc("GET /api/sessions/{code}", h.HandleSessionExists)
	mux.HandleFunc("GET /api/sessions/{code}/state", h.HandleGetSessionState)
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, estimation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, estimation.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msg(msg)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
