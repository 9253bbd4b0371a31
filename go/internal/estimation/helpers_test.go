package estimation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store/memory"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type publication struct {
	roomCode string
	event    EventType
	snapshot *Snapshot
}

// recordingGateway captures subscriptions and publishes for assertions
type recordingGateway struct {
	mu            sync.Mutex
	subscriptions map[string]string
	unsubscribed  []string
	published     []publication
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{subscriptions: make(map[string]string)}
}

func (g *recordingGateway) Subscribe(connectionID, roomCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[connectionID] = roomCode
}

func (g *recordingGateway) Unsubscribe(connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscriptions, connectionID)
	g.unsubscribed = append(g.unsubscribed, connectionID)
}

func (g *recordingGateway) Publish(_ context.Context, roomCode string, event EventType, snapshot *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, publication{roomCode: roomCode, event: event, snapshot: snapshot})
}

func (g *recordingGateway) events() []publication {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]publication, len(g.published))
	copy(out, g.published)
	return out
}

func (g *recordingGateway) last(t *testing.T) publication {
	t.Helper()
	events := g.events()
	if len(events) == 0 {
		t.Fatalf("expected at least one published snapshot")
	}
	return events[len(events)-1]
}

func (g *recordingGateway) subscribedTo(connectionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.subscriptions[connectionID]
	return room, ok
}

type testEnv struct {
	coordinator *Coordinator
	store       *memory.Store
	gateway     *recordingGateway
	clock       *clockwork.FakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   memory.NewStore(),
		gateway: newRecordingGateway(),
		clock:   clockwork.NewFakeClockAt(testEpoch),
	}
	opts = append([]Option{WithClock(env.clock)}, opts...)
	env.coordinator = NewCoordinator(env.store, env.gateway, opts...)
	return env
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	code, err := e.coordinator.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return code
}

func (e *testEnv) join(t *testing.T, roomCode, name, connectionID string, spectator bool) uuid.UUID {
	t.Helper()
	id, err := e.coordinator.Join(context.Background(), roomCode, name, connectionID, spectator)
	if err != nil {
		t.Fatalf("Join(%s): %v", name, err)
	}
	return id
}

var errInjected = errors.New("injected store failure")

// failingStore wraps a store and fails the named Tx method
type failingStore struct {
	store.Store
	failOn string
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	store.Tx
	failOn string
}

func (t *failingTx) UpdateSession(ctx context.Context, session *models.Session) error {
	if t.failOn == "UpdateSession" {
		return errInjected
	}
	return t.Tx.UpdateSession(ctx, session)
}

func (t *failingTx) UpsertVote(ctx context.Context, vote *models.Vote) error {
	if t.failOn == "UpsertVote" {
		return errInjected
	}
	return t.Tx.UpsertVote(ctx, vote)
}
