package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/estimation"
	"github.com/rs/zerolog/log"
)

// Sessions is the slice of the coordinator the transport drives
type Sessions interface {
	CreateSession(ctx context.Context, estimationUnit string) (string, error)
	SessionExists(ctx context.Context, roomCode string) (bool, error)
	Join(ctx context.Context, roomCode, displayName, connectionID string, spectator bool) (uuid.UUID, error)
	SubmitVote(ctx context.Context, roomCode string, participantID uuid.UUID, value string) (bool, error)
	Reveal(ctx context.Context, roomCode string) (*estimation.Snapshot, error)
	Reset(ctx context.Context, roomCode string) error
	StartNewVote(ctx context.Context, roomCode string) error
	ChangeEstimationUnit(ctx context.Context, roomCode, unit string) (bool, error)
	Reconnect(ctx context.Context, roomCode string, participantID uuid.UUID, connectionID string) (bool, error)
	RemoveByConnection(ctx context.Context, connectionID string) error
	Snapshot(ctx context.Context, roomCode string) (*estimation.Snapshot, error)
}

var _ Sessions = (*estimation.Coordinator)(nil)

// Dispatcher turns client commands into coordinator calls
type Dispatcher struct {
	sessions Sessions
}

// NewDispatcher creates a command dispatcher
func NewDispatcher(sessions Sessions) *Dispatcher {
	return &Dispatcher{sessions: sessions}
}

// HandleMessage decodes and executes one client message, replying on the
// same connection.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *Connection, message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		d.reply(conn, Reply{Command: "unknown", Error: "malformed command"})
		return
	}

	reply := d.Execute(ctx, conn.ID, cmd)
	d.reply(conn, reply)
}

// Execute runs cmd on behalf of connectionID
func (d *Dispatcher) Execute(ctx context.Context, connectionID string, cmd Command) Reply {
	reply := Reply{Type: MessageTypeReply, RequestID: cmd.RequestID, Command: cmd.Type}

	var err error
	switch cmd.Type {
	case CommandJoin:
		var id uuid.UUID
		id, err = d.sessions.Join(ctx, cmd.RoomCode, cmd.DisplayName, connectionID, cmd.Spectator)
		if err == nil {
			reply.OK = true
			reply.ParticipantID = id.String()
		}

	case CommandSubmitVote:
		var id uuid.UUID
		if id, err = uuid.Parse(cmd.ParticipantID); err != nil {
			err = estimation.ErrInvalidArgument
			break
		}
		reply.OK, err = d.sessions.SubmitVote(ctx, cmd.RoomCode, id, cmd.Value)

	case CommandReveal:
		reply.Snapshot, err = d.sessions.Reveal(ctx, cmd.RoomCode)
		reply.OK = err == nil

	case CommandResetVotes:
		err = d.sessions.Reset(ctx, cmd.RoomCode)
		reply.OK = err == nil

	case CommandStartNewVote:
		err = d.sessions.StartNewVote(ctx, cmd.RoomCode)
		reply.OK = err == nil

	case CommandChangeEstimationUnit:
		reply.OK, err = d.sessions.ChangeEstimationUnit(ctx, cmd.RoomCode, cmd.EstimationUnit)

	case CommandReconnect:
		var id uuid.UUID
		if id, err = uuid.Parse(cmd.ParticipantID); err != nil {
			err = estimation.ErrInvalidArgument
			break
		}
		reply.OK, err = d.sessions.Reconnect(ctx, cmd.RoomCode, id, connectionID)
		if reply.OK {
			reply.ParticipantID = id.String()
		}

	case CommandSnapshot:
		reply.Snapshot, err = d.sessions.Snapshot(ctx, cmd.RoomCode)
		reply.OK = err == nil

	default:
		reply.Error = "unknown command"
		return reply
	}

	if err != nil {
		reply.OK = false
		reply.Error = errorMessage(err)
		if !errors.Is(err, estimation.ErrNotFound) && !errors.Is(err, estimation.ErrInvalidArgument) {
			log.Error().
				Err(err).
				Str("connection_id", connectionID).
				Str("command", cmd.Type).
				Str("room_code", cmd.RoomCode).
				Msg("command failed")
		}
	}
	return reply
}

// Disconnect cleans up after a dropped connection. It is not bounded by the
// request that opened the socket.
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) {
	if err := d.sessions.RemoveByConnection(context.WithoutCancel(ctx), connectionID); err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to clean up connection")
	}
}

func (d *Dispatcher) reply(conn *Connection, reply Reply) {
	reply.Type = MessageTypeReply
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reply")
		return
	}
	if !conn.trySend(data) {
		log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, dropping reply")
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, estimation.ErrNotFound):
		return "session not found"
	case errors.Is(err, estimation.ErrInvalidArgument):
		return err.Error()
	default:
		return "internal error"
	}
}
