package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

type voteKey struct {
	sessionID     uuid.UUID
	participantID uuid.UUID
}

// Store is an in-memory implementation of store.Store. Writes are applied
// immediately and undone if the unit of work fails.
type Store struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*models.Session
	activeCodes  map[string]uuid.UUID
	participants map[uuid.UUID]*models.Participant
	votes        map[voteKey]*models.Vote

	// joinSeq breaks ties between participants that joined at the same instant.
	joinSeq map[uuid.UUID]uint64
	nextSeq uint64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		sessions:     make(map[uuid.UUID]*models.Session),
		activeCodes:  make(map[string]uuid.UUID),
		participants: make(map[uuid.UUID]*models.Participant),
		votes:        make(map[voteKey]*models.Vote),
		joinSeq:      make(map[uuid.UUID]uint64),
	}
}

var _ store.Store = (*Store)(nil)

// WithinTx runs fn and rolls back every write it made if it returns an error.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{store: s}
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	t.undo = nil
	return nil
}

// Stats returns record counts, used by tests and the debug endpoint.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"sessions":        len(s.sessions),
		"active_sessions": len(s.activeCodes),
		"participants":    len(s.participants),
		"votes":           len(s.votes),
	}
}

type tx struct {
	store *Store
	undo  []func()
}

func (t *tx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) CreateSession(ctx context.Context, session *models.Session) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Active {
		if _, taken := s.activeCodes[session.RoomCode]; taken {
			return store.ErrRoomCodeTaken
		}
		s.activeCodes[session.RoomCode] = session.ID
	}
	stored := *session
	s.sessions[session.ID] = &stored

	t.undo = append(t.undo, func() {
		delete(s.sessions, stored.ID)
		if id, ok := s.activeCodes[stored.RoomCode]; ok && id == stored.ID {
			delete(s.activeCodes, stored.RoomCode)
		}
	})
	return nil
}

func (t *tx) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (t *tx) GetActiveSession(ctx context.Context, roomCode string) (*models.Session, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeCodes[roomCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.sessions[id]
	return &out, nil
}

func (t *tx) UpdateSession(ctx context.Context, session *models.Session) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok {
		return store.ErrNotFound
	}
	previous := *current

	if session.Active && !previous.Active {
		if _, taken := s.activeCodes[session.RoomCode]; taken {
			return store.ErrRoomCodeTaken
		}
	}

	updated := *session
	updated.RoomCode = previous.RoomCode
	updated.CreatedAt = previous.CreatedAt
	s.sessions[session.ID] = &updated
	s.syncActiveCode(&previous, &updated)

	t.undo = append(t.undo, func() {
		restored := previous
		s.sessions[restored.ID] = &restored
		s.syncActiveCode(&updated, &restored)
	})
	return nil
}

// syncActiveCode keeps the active room code index consistent after a session
// moves from before to after. Callers hold s.mu.
func (s *Store) syncActiveCode(before, after *models.Session) {
	if before.Active && !after.Active {
		if id, ok := s.activeCodes[before.RoomCode]; ok && id == before.ID {
			delete(s.activeCodes, before.RoomCode)
		}
	}
	if after.Active {
		s.activeCodes[after.RoomCode] = after.ID
	}
}

func (t *tx) ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idle []models.Session
	for _, id := range s.activeCodes {
		session := s.sessions[id]
		if session.LastActivity.Before(before) {
			idle = append(idle, *session)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivity.Before(idle[j].LastActivity)
	})
	return idle, nil
}

func (t *tx) CreateParticipant(ctx context.Context, participant *models.Participant) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[participant.SessionID]; !ok {
		return store.ErrNotFound
	}
	if s.connectionTakenLocked(participant.SessionID, participant.ID, participant.ConnectionID) {
		return store.ErrConnectionTaken
	}
	stored := *participant
	s.participants[participant.ID] = &stored
	s.nextSeq++
	s.joinSeq[participant.ID] = s.nextSeq

	t.undo = append(t.undo, func() {
		delete(s.participants, stored.ID)
		delete(s.joinSeq, stored.ID)
	})
	return nil
}

func (t *tx) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	participant, ok := s.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *participant
	return &out, nil
}

func (t *tx) FindParticipantByConnection(ctx context.Context, sessionID uuid.UUID, connectionID string) (*models.Participant, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, participant := range s.participants {
		if participant.SessionID == sessionID && participant.ConnectionID == connectionID {
			out := *participant
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) ListParticipantsByConnection(ctx context.Context, connectionID string) ([]models.Participant, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Participant
	for _, participant := range s.participants {
		if participant.ConnectionID == connectionID {
			out = append(out, *participant)
		}
	}
	s.sortParticipants(out)
	return out, nil
}

func (t *tx) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Participant
	for _, participant := range s.participants {
		if participant.SessionID == sessionID {
			out = append(out, *participant)
		}
	}
	s.sortParticipants(out)
	return out, nil
}

func (t *tx) UpdateParticipantConnection(ctx context.Context, id uuid.UUID, connectionID string) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, ok := s.participants[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.connectionTakenLocked(participant.SessionID, id, connectionID) {
		return store.ErrConnectionTaken
	}
	previous := participant.ConnectionID
	participant.ConnectionID = connectionID

	t.undo = append(t.undo, func() {
		if p, ok := s.participants[id]; ok {
			p.ConnectionID = previous
		}
	})
	return nil
}

func (t *tx) DeleteParticipant(ctx context.Context, id uuid.UUID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, ok := s.participants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.deleteParticipantLocked(participant)
	return nil
}

func (t *tx) DeleteParticipants(ctx context.Context, sessionID uuid.UUID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, participant := range s.participants {
		if participant.SessionID == sessionID {
			t.deleteParticipantLocked(participant)
		}
	}
	return nil
}

// deleteParticipantLocked removes a participant and its votes. Callers hold s.mu.
func (t *tx) deleteParticipantLocked(participant *models.Participant) {
	s := t.store
	removed := *participant
	seq := s.joinSeq[removed.ID]
	delete(s.participants, removed.ID)
	delete(s.joinSeq, removed.ID)

	key := voteKey{sessionID: removed.SessionID, participantID: removed.ID}
	vote, hadVote := s.votes[key]
	var removedVote models.Vote
	if hadVote {
		removedVote = *vote
		delete(s.votes, key)
	}

	t.undo = append(t.undo, func() {
		p := removed
		s.participants[p.ID] = &p
		s.joinSeq[p.ID] = seq
		if hadVote {
			v := removedVote
			s.votes[key] = &v
		}
	})
}

func (t *tx) UpsertVote(ctx context.Context, vote *models.Vote) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, ok := s.participants[vote.ParticipantID]
	if !ok || participant.SessionID != vote.SessionID {
		return store.ErrNotFound
	}

	key := voteKey{sessionID: vote.SessionID, participantID: vote.ParticipantID}
	if existing, ok := s.votes[key]; ok {
		previous := *existing
		existing.EstimateValue = vote.EstimateValue
		existing.SubmittedAt = vote.SubmittedAt
		vote.ID = existing.ID

		t.undo = append(t.undo, func() {
			v := previous
			s.votes[key] = &v
		})
		return nil
	}

	stored := *vote
	s.votes[key] = &stored
	t.undo = append(t.undo, func() {
		delete(s.votes, key)
	})
	return nil
}

func (t *tx) ListVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Vote
	for key, vote := range s.votes {
		if key.sessionID == sessionID {
			out = append(out, *vote)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (t *tx) DeleteVotes(ctx context.Context, sessionID uuid.UUID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[voteKey]models.Vote)
	for key, vote := range s.votes {
		if key.sessionID == sessionID {
			removed[key] = *vote
			delete(s.votes, key)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	t.undo = append(t.undo, func() {
		for key, vote := range removed {
			v := vote
			s.votes[key] = &v
		}
	})
	return nil
}

// connectionTakenLocked reports whether a participant other than id in the
// session is bound to connectionID. Callers hold s.mu.
func (s *Store) connectionTakenLocked(sessionID, id uuid.UUID, connectionID string) bool {
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.ID != id && p.ConnectionID == connectionID {
			return true
		}
	}
	return false
}

// sortParticipants orders participants by join order. Callers hold s.mu.
func (s *Store) sortParticipants(participants []models.Participant) {
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return s.joinSeq[participants[i].ID] < s.joinSeq[participants[j].ID]
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
}
