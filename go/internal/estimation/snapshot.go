package estimation

import (
	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// ParticipantView is the public view of a participant. It never carries the
// participant's estimate.
type ParticipantView struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	HasVoted    bool      `json:"has_voted"`
	IsCreator   bool      `json:"is_creator"`
	IsSpectator bool      `json:"is_spectator"`
}

// VoteResult is a revealed estimate.
type VoteResult struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	EstimateValue string    `json:"estimate_value"`
}

// Snapshot is the canonical read model of a session broadcast to clients.
type Snapshot struct {
	SessionID      uuid.UUID           `json:"session_id"`
	Revision       int64               `json:"revision"`
	RoomCode       string              `json:"room_code"`
	Active         bool                `json:"active"`
	Revealed       bool                `json:"revealed"`
	State          models.SessionState `json:"state"`
	EstimationUnit string              `json:"estimation_unit"`
	Participants   []ParticipantView   `json:"participants"`
	Votes          []VoteResult        `json:"votes,omitempty"`
	Average        *float64            `json:"average,omitempty"`
}

// buildSnapshot assembles the read model. Vote values are only copied in the
// revealed branch.
func buildSnapshot(session *models.Session, participants []models.Participant, votes []models.Vote) *Snapshot {
	voted := make(map[uuid.UUID]models.Vote, len(votes))
	for _, v := range votes {
		voted[v.ParticipantID] = v
	}

	snap := &Snapshot{
		SessionID:      session.ID,
		Revision:       session.Revision,
		RoomCode:       session.RoomCode,
		Active:         session.Active,
		Revealed:       session.Revealed,
		State:          session.State(),
		EstimationUnit: session.EstimationUnit,
		Participants:   make([]ParticipantView, 0, len(participants)),
	}

	for _, p := range participants {
		_, hasVoted := voted[p.ID]
		snap.Participants = append(snap.Participants, ParticipantView{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			HasVoted:    hasVoted,
			IsCreator:   p.Creator,
			IsSpectator: p.Spectator,
		})
	}

	if !session.Revealed {
		return snap
	}

	snap.Votes = make([]VoteResult, 0, len(votes))
	for _, p := range participants {
		v, ok := voted[p.ID]
		if !ok {
			continue
		}
		snap.Votes = append(snap.Votes, VoteResult{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			EstimateValue: v.EstimateValue,
		})
	}
	snap.Average = Aggregate(votes)

	return snap
}

// ParticipantByID returns the participant view with the given id.
func (s *Snapshot) ParticipantByID(id uuid.UUID) (ParticipantView, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return ParticipantView{}, false
}
