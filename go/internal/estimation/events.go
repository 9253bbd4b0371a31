package estimation

import "context"

// EventType names the mutation that produced a published snapshot.
type EventType string

const (
	EventTypeParticipantJoined     EventType = "ParticipantJoined"
	EventTypeParticipantLeft       EventType = "ParticipantLeft"
	EventTypeVoteSubmitted         EventType = "VoteSubmitted"
	EventTypeVotesRevealed         EventType = "VotesRevealed"
	EventTypeVotesReset            EventType = "VotesReset"
	EventTypeNewVoteStarted        EventType = "NewVoteStarted"
	EventTypeEstimationUnitChanged EventType = "EstimationUnitChanged"
	EventTypeSessionExpired        EventType = "SessionExpired"
)

// Gateway delivers snapshots to the connections subscribed to a room.
// Publish is fire-and-forget and must not block on slow clients.
type Gateway interface {
	Subscribe(connectionID, roomCode string)
	Unsubscribe(connectionID string)
	Publish(ctx context.Context, roomCode string, event EventType, snapshot *Snapshot)
}

type noopGateway struct{}

func (noopGateway) Subscribe(string, string)                              {}
func (noopGateway) Unsubscribe(string)                                    {}
func (noopGateway) Publish(context.Context, string, EventType, *Snapshot) {}
