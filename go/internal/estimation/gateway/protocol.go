package gateway

import (
	"time"

	"github.com/mcdev12/planningpoker/go/internal/estimation"
)

// Client command types
const (
	CommandJoin                 = "join"
	CommandSubmitVote           = "submitVote"
	CommandReveal               = "reveal"
	CommandResetVotes           = "resetVotes"
	CommandStartNewVote         = "startNewVote"
	CommandChangeEstimationUnit = "changeEstimationUnit"
	CommandReconnect            = "reconnect"
	CommandSnapshot             = "snapshot"
)

// Server message types
const (
	MessageTypeEvent = "event"
	MessageTypeReply = "reply"
)

// Command is a client request received over the socket
type Command struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	RoomCode       string `json:"room_code"`
	DisplayName    string `json:"display_name,omitempty"`
	Spectator      bool   `json:"spectator,omitempty"`
	ParticipantID  string `json:"participant_id,omitempty"`
	Value          string `json:"value,omitempty"`
	EstimationUnit string `json:"estimation_unit,omitempty"`
}

// Reply answers a single Command
type Reply struct {
	Type          string               `json:"type"`
	RequestID     string               `json:"request_id,omitempty"`
	Command       string               `json:"command"`
	OK            bool                 `json:"ok"`
	ParticipantID string               `json:"participant_id,omitempty"`
	Snapshot      *estimation.Snapshot `json:"snapshot,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// EventMessage carries a published snapshot to every subscriber of a room
type EventMessage struct {
	Type     string               `json:"type"`
	Event    estimation.EventType `json:"event"`
	RoomCode string               `json:"room_code"`
	Snapshot *estimation.Snapshot `json:"snapshot"`
	SentAt   time.Time            `json:"sent_at"`
}

// Envelope is a publish as it travels between hubs through a Relay
type Envelope struct {
	Origin   string               `json:"origin"`
	RoomCode string               `json:"room_code"`
	Event    estimation.EventType `json:"event"`
	Snapshot *estimation.Snapshot `json:"snapshot"`
}
