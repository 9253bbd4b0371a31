package estimation

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store/memory"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code := env.createSession(t)
	if len(code) != 32 {
		t.Fatalf("expected 32 character room code, got %q", code)
	}
	if _, err := hex.DecodeString(code); err != nil || strings.ToLower(code) != code {
		t.Fatalf("expected lowercase hex room code, got %q", code)
	}

	exists, err := env.coordinator.SessionExists(ctx, code)
	if err != nil || !exists {
		t.Fatalf("SessionExists = %v, %v; want true", exists, err)
	}

	snap, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.EstimationUnit != models.DefaultEstimationUnit {
		t.Errorf("expected default unit %q, got %q", models.DefaultEstimationUnit, snap.EstimationUnit)
	}
	if snap.Revealed || !snap.Active || len(snap.Participants) != 0 {
		t.Errorf("unexpected fresh snapshot: %+v", snap)
	}

	other, err := env.coordinator.CreateSession(ctx, "Story Points")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if other == code {
		t.Fatalf("expected distinct room codes")
	}
}

func TestCreateSessionRejectsLongUnit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.coordinator.CreateSession(context.Background(), strings.Repeat("u", 51))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCreateSessionRetriesOnCollision(t *testing.T) {
	codes := []string{"taken", "taken", "fresh"}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code
	}
	env := newTestEnv(t, WithRoomCodeGenerator(next))

	first := env.createSession(t)
	second := env.createSession(t)
	if first != "taken" || second != "fresh" {
		t.Fatalf("expected taken then fresh, got %q and %q", first, second)
	}
}

func TestCreateSessionGivesUpOnPersistentCollision(t *testing.T) {
	env := newTestEnv(t, WithRoomCodeGenerator(func() string { return "same" }))
	env.createSession(t)

	_, err := env.coordinator.CreateSession(context.Background(), "")
	if !errors.Is(err, store.ErrRoomCodeTaken) {
		t.Fatalf("expected ErrRoomCodeTaken, got %v", err)
	}
}

func TestJoinAssignsCreatorToFirstVoter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	watcher := env.join(t, code, "Watcher", "conn-w", true)
	alice := env.join(t, code, "Alice", "conn-a", false)
	bob := env.join(t, code, "Bob", "conn-b", false)

	snap, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	creators := 0
	for _, p := range snap.Participants {
		if p.IsCreator {
			creators++
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one creator, got %d", creators)
	}
	if p, _ := snap.ParticipantByID(alice); !p.IsCreator {
		t.Errorf("expected Alice to be creator")
	}
	if p, _ := snap.ParticipantByID(watcher); p.IsCreator || !p.IsSpectator {
		t.Errorf("expected spectator without creator role, got %+v", p)
	}

	// The creator role is never handed on.
	if err := env.coordinator.RemoveByConnection(ctx, "conn-a"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	carol := env.join(t, code, "Carol", "conn-c", false)

	snap, err = env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, id := range []uuid.UUID{bob, carol} {
		if p, _ := snap.ParticipantByID(id); p.IsCreator {
			t.Errorf("participant %s unexpectedly became creator", p.DisplayName)
		}
	}
}

func TestJoinIsIdempotentPerConnection(t *testing.T) {
	env := newTestEnv(t)
	code := env.createSession(t)

	first := env.join(t, code, "Alice", "conn-a", false)
	second := env.join(t, code, "Alice again", "conn-a", false)
	if first != second {
		t.Fatalf("expected same participant, got %s and %s", first, second)
	}

	snap, err := env.coordinator.Snapshot(context.Background(), code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].DisplayName != "Alice" {
		t.Fatalf("expected a single Alice, got %+v", snap.Participants)
	}
}

func TestJoinSubscribesAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	code := env.createSession(t)
	env.join(t, code, "Alice", "conn-a", false)

	if room, ok := env.gateway.subscribedTo("conn-a"); !ok || room != code {
		t.Fatalf("expected conn-a subscribed to %s, got %q", code, room)
	}
	last := env.gateway.last(t)
	if last.event != EventTypeParticipantJoined || last.roomCode != code {
		t.Fatalf("unexpected publication %+v", last)
	}
	if len(last.snapshot.Participants) != 1 {
		t.Fatalf("expected snapshot with one participant")
	}
}

func TestJoinErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	tests := []struct {
		name       string
		roomCode   string
		display    string
		connection string
		want       error
	}{
		{"missing session", "nope", "Alice", "conn-a", ErrNotFound},
		{"empty room code", "", "Alice", "conn-a", ErrNotFound},
		{"blank name", code, "   ", "conn-a", ErrInvalidArgument},
		{"long name", code, strings.Repeat("n", 51), "conn-a", ErrInvalidArgument},
		{"empty connection", code, "Alice", "", ErrInvalidArgument},
		{"long connection", code, "Alice", strings.Repeat("c", 101), ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coordinator.Join(ctx, tt.roomCode, tt.display, tt.connection, false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := len(env.gateway.events()); n != 0 {
		t.Fatalf("failed joins must not publish, got %d publications", n)
	}
}

func TestVotingRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	values := map[string]string{"A": "5", "B": "8", "C": "?", "D": "3"}
	ids := make(map[string]uuid.UUID)
	for _, name := range []string{"A", "B", "C", "D"} {
		ids[name] = env.join(t, code, name, "conn-"+name, false)
	}
	for name, value := range values {
		ok, err := env.coordinator.SubmitVote(ctx, code, ids[name], value)
		if err != nil || !ok {
			t.Fatalf("SubmitVote(%s) = %v, %v", name, ok, err)
		}
		last := env.gateway.last(t)
		if last.event != EventTypeVoteSubmitted {
			t.Fatalf("expected VoteSubmitted, got %s", last.event)
		}
		if last.snapshot.Votes != nil || last.snapshot.Average != nil {
			t.Fatalf("collecting snapshot leaked votes: %+v", last.snapshot)
		}
	}

	collecting, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, p := range collecting.Participants {
		if !p.HasVoted {
			t.Errorf("expected %s to have voted", p.DisplayName)
		}
	}

	snap, err := env.coordinator.Reveal(ctx, code)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if !snap.Revealed || snap.State != models.SessionStateRevealed {
		t.Fatalf("expected revealed snapshot, got state %q", snap.State)
	}
	if len(snap.Votes) != 4 {
		t.Fatalf("expected 4 revealed votes, got %d", len(snap.Votes))
	}
	if snap.Average == nil || *snap.Average != 5.33 {
		t.Fatalf("expected average 5.33, got %v", snap.Average)
	}
	for _, v := range snap.Votes {
		if values[v.DisplayName] != v.EstimateValue {
			t.Errorf("vote for %s = %q, want %q", v.DisplayName, v.EstimateValue, values[v.DisplayName])
		}
	}
	if last := env.gateway.last(t); last.event != EventTypeVotesRevealed {
		t.Fatalf("expected VotesRevealed, got %s", last.event)
	}

	// No votes accepted while revealed.
	ok, err := env.coordinator.SubmitVote(ctx, code, ids["A"], "13")
	if err != nil || ok {
		t.Fatalf("expected vote rejected after reveal, got %v, %v", ok, err)
	}

	if err := env.coordinator.Reset(ctx, code); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	after, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.Revealed || after.State != models.SessionStateCollecting || after.Votes != nil || after.Average != nil {
		t.Fatalf("expected collecting snapshot after reset, got %+v", after)
	}
	for _, p := range after.Participants {
		if p.HasVoted {
			t.Errorf("expected %s to have no vote after reset", p.DisplayName)
		}
	}
	if last := env.gateway.last(t); last.event != EventTypeVotesReset {
		t.Fatalf("expected VotesReset, got %s", last.event)
	}
}

func TestRevealWithoutNumericVotes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	a := env.join(t, code, "A", "conn-a", false)
	b := env.join(t, code, "B", "conn-b", false)
	for id, value := range map[uuid.UUID]string{a: "?", b: "XL"} {
		if ok, err := env.coordinator.SubmitVote(ctx, code, id, value); err != nil || !ok {
			t.Fatalf("SubmitVote = %v, %v", ok, err)
		}
	}

	snap, err := env.coordinator.Reveal(ctx, code)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if snap.Average != nil {
		t.Fatalf("expected no average, got %v", *snap.Average)
	}
	if len(snap.Votes) != 2 {
		t.Fatalf("expected both votes listed, got %d", len(snap.Votes))
	}
}

func TestSubmitVoteReplacesPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)
	alice := env.join(t, code, "Alice", "conn-a", false)

	for _, value := range []string{"3", "5", "8"} {
		if ok, err := env.coordinator.SubmitVote(ctx, code, alice, value); err != nil || !ok {
			t.Fatalf("SubmitVote(%s) = %v, %v", value, ok, err)
		}
	}
	if got := env.store.Stats()["votes"]; got != 1 {
		t.Fatalf("expected a single stored vote, got %d", got)
	}

	snap, err := env.coordinator.Reveal(ctx, code)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if len(snap.Votes) != 1 || snap.Votes[0].EstimateValue != "8" {
		t.Fatalf("expected latest vote 8, got %+v", snap.Votes)
	}
}

func TestSubmitVoteRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)
	other := env.createSession(t)

	spectator := env.join(t, code, "Watcher", "conn-w", true)
	outsider := env.join(t, other, "Outsider", "conn-o", false)
	published := len(env.gateway.events())

	tests := []struct {
		name        string
		roomCode    string
		participant uuid.UUID
	}{
		{"missing session", "nope", outsider},
		{"spectator", code, spectator},
		{"participant of another session", code, outsider},
		{"unknown participant", code, uuid.New()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := env.coordinator.SubmitVote(ctx, tt.roomCode, tt.participant, "5")
			if err != nil || ok {
				t.Fatalf("expected silent rejection, got %v, %v", ok, err)
			}
		})
	}

	if _, err := env.coordinator.SubmitVote(ctx, code, spectator, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty value, got %v", err)
	}
	if _, err := env.coordinator.SubmitVote(ctx, code, spectator, "12345678901"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for long value, got %v", err)
	}

	if got := env.store.Stats()["votes"]; got != 0 {
		t.Fatalf("expected no stored votes, got %d", got)
	}
	if got := len(env.gateway.events()); got != published {
		t.Fatalf("rejected votes must not publish")
	}
}

func TestResetFromCollectingAndStartNewVote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)
	alice := env.join(t, code, "Alice", "conn-a", false)

	if ok, err := env.coordinator.SubmitVote(ctx, code, alice, "2"); err != nil || !ok {
		t.Fatalf("SubmitVote = %v, %v", ok, err)
	}
	if err := env.coordinator.StartNewVote(ctx, code); err != nil {
		t.Fatalf("StartNewVote: %v", err)
	}
	last := env.gateway.last(t)
	if last.event != EventTypeNewVoteStarted {
		t.Fatalf("expected NewVoteStarted, got %s", last.event)
	}
	if p, _ := last.snapshot.ParticipantByID(alice); p.HasVoted {
		t.Fatalf("expected vote cleared")
	}

	if err := env.coordinator.Reset(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.coordinator.Reveal(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChangeEstimationUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	ok, err := env.coordinator.ChangeEstimationUnit(ctx, code, "Story Points")
	if err != nil || !ok {
		t.Fatalf("ChangeEstimationUnit = %v, %v", ok, err)
	}
	last := env.gateway.last(t)
	if last.event != EventTypeEstimationUnitChanged || last.snapshot.EstimationUnit != "Story Points" {
		t.Fatalf("unexpected publication %+v", last)
	}

	ok, err = env.coordinator.ChangeEstimationUnit(ctx, "nope", "Days")
	if err != nil || ok {
		t.Fatalf("expected false for missing session, got %v, %v", ok, err)
	}
	if _, err := env.coordinator.ChangeEstimationUnit(ctx, code, strings.Repeat("d", 51)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRemoveByConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	alice := env.join(t, code, "Alice", "conn-a", false)
	bob := env.join(t, code, "Bob", "conn-b", false)
	if ok, err := env.coordinator.SubmitVote(ctx, code, bob, "5"); err != nil || !ok {
		t.Fatalf("SubmitVote = %v, %v", ok, err)
	}

	if err := env.coordinator.RemoveByConnection(ctx, "conn-b"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	last := env.gateway.last(t)
	if last.event != EventTypeParticipantLeft {
		t.Fatalf("expected ParticipantLeft, got %s", last.event)
	}
	if _, ok := last.snapshot.ParticipantByID(bob); ok {
		t.Fatalf("Bob still present after leaving")
	}
	if got := env.store.Stats()["votes"]; got != 0 {
		t.Fatalf("expected Bob's vote removed, got %d votes", got)
	}
	if _, ok := env.gateway.subscribedTo("conn-b"); ok {
		t.Fatalf("expected conn-b unsubscribed")
	}

	// Unknown connections are a no-op.
	published := len(env.gateway.events())
	if err := env.coordinator.RemoveByConnection(ctx, "conn-unknown"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	if len(env.gateway.events()) != published {
		t.Fatalf("no-op removal must not publish")
	}

	// Last participant leaving closes the session.
	if err := env.coordinator.RemoveByConnection(ctx, "conn-a"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	exists, err := env.coordinator.SessionExists(ctx, code)
	if err != nil || exists {
		t.Fatalf("expected session deactivated, got %v, %v", exists, err)
	}
	if _, err := env.coordinator.Snapshot(ctx, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deactivation, got %v", err)
	}
	if ok, err := env.coordinator.SubmitVote(ctx, code, alice, "1"); ok || err != nil {
		t.Fatalf("expected inert session, got %v, %v", ok, err)
	}
	if _, err := env.coordinator.Join(ctx, code, "Late", "conn-l", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound joining inactive session, got %v", err)
	}
}

func TestRemoveByConnectionIgnoresCancellation(t *testing.T) {
	env := newTestEnv(t)
	code := env.createSession(t)
	env.join(t, code, "Alice", "conn-a", false)
	env.join(t, code, "Bob", "conn-b", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := env.coordinator.RemoveByConnection(ctx, "conn-a"); err != nil {
		t.Fatalf("RemoveByConnection with cancelled context: %v", err)
	}
	snap, err := env.coordinator.Snapshot(context.Background(), code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].DisplayName != "Bob" {
		t.Fatalf("expected only Bob left, got %+v", snap.Participants)
	}
}

func TestRemoveByConnectionAcrossSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.createSession(t)
	second := env.createSession(t)

	env.join(t, first, "Alice", "shared", false)
	env.join(t, first, "Bob", "conn-b", false)
	env.join(t, second, "Alice", "shared", false)

	if err := env.coordinator.RemoveByConnection(ctx, "shared"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}

	if exists, _ := env.coordinator.SessionExists(ctx, second); exists {
		t.Fatalf("expected second session deactivated")
	}
	snap, err := env.coordinator.Snapshot(ctx, first)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Participants) != 1 {
		t.Fatalf("expected one participant left in first session, got %d", len(snap.Participants))
	}
}

func TestReconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)
	alice := env.join(t, code, "Alice", "conn-old", false)
	env.join(t, code, "Bob", "conn-b", false)

	ok, err := env.coordinator.Reconnect(ctx, code, alice, "conn-new")
	if err != nil || !ok {
		t.Fatalf("Reconnect = %v, %v", ok, err)
	}
	if room, ok := env.gateway.subscribedTo("conn-new"); !ok || room != code {
		t.Fatalf("expected conn-new subscribed")
	}

	// The stale connection no longer owns Alice.
	if err := env.coordinator.RemoveByConnection(ctx, "conn-old"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	snap, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.ParticipantByID(alice); !ok {
		t.Fatalf("Alice removed by stale connection")
	}

	if err := env.coordinator.RemoveByConnection(ctx, "conn-new"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	snap, err = env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.ParticipantByID(alice); ok {
		t.Fatalf("Alice still present after new connection dropped")
	}

	ok, err = env.coordinator.Reconnect(ctx, code, uuid.New(), "conn-x")
	if err != nil || ok {
		t.Fatalf("expected false for unknown participant, got %v, %v", ok, err)
	}
	ok, err = env.coordinator.Reconnect(ctx, "nope", alice, "conn-x")
	if err != nil || ok {
		t.Fatalf("expected false for missing session, got %v, %v", ok, err)
	}
}

func TestReconnectOntoTakenConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)
	alice := env.join(t, code, "Alice", "conn-a", false)
	bob := env.join(t, code, "Bob", "conn-b", false)

	ok, err := env.coordinator.Reconnect(ctx, code, bob, "conn-a")
	if err != nil || ok {
		t.Fatalf("expected reconnect onto Alice's connection refused, got %v, %v", ok, err)
	}

	// Reconnecting onto the connection already held is accepted.
	ok, err = env.coordinator.Reconnect(ctx, code, alice, "conn-a")
	if err != nil || !ok {
		t.Fatalf("expected reconnect onto own connection accepted, got %v, %v", ok, err)
	}

	// Dropping conn-a takes only Alice with it.
	if err := env.coordinator.RemoveByConnection(ctx, "conn-a"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}
	snap, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.ParticipantByID(alice); ok {
		t.Fatalf("Alice still present after her connection dropped")
	}
	if _, ok := snap.ParticipantByID(bob); !ok {
		t.Fatalf("Bob removed with Alice's connection")
	}
	if !snap.Active {
		t.Fatalf("expected session to stay active")
	}
}

func TestRevisionsIncreaseWithEveryMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	alice := env.join(t, code, "Alice", "conn-a", false)
	env.join(t, code, "Bob", "conn-b", false)
	if _, err := env.coordinator.SubmitVote(ctx, code, alice, "1"); err != nil {
		t.Fatalf("SubmitVote: %v", err)
	}
	if _, err := env.coordinator.Reveal(ctx, code); err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if _, err := env.coordinator.ChangeEstimationUnit(ctx, code, "Days"); err != nil {
		t.Fatalf("ChangeEstimationUnit: %v", err)
	}
	if err := env.coordinator.Reset(ctx, code); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := env.coordinator.RemoveByConnection(ctx, "conn-b"); err != nil {
		t.Fatalf("RemoveByConnection: %v", err)
	}

	events := env.gateway.events()
	var previous int64
	var sessionID uuid.UUID
	for i, e := range events {
		if i == 0 {
			sessionID = e.snapshot.SessionID
		} else if e.snapshot.SessionID != sessionID {
			t.Fatalf("session id changed between publications")
		}
		if e.snapshot.Revision <= previous {
			t.Fatalf("revision %d after %d at %s", e.snapshot.Revision, previous, e.event)
		}
		previous = e.snapshot.Revision
	}
}

func TestJoinRollsBackOnStoreFailure(t *testing.T) {
	mem := memory.NewStore()
	gateway := newRecordingGateway()
	code, err := NewCoordinator(mem, nil).CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	coordinator := NewCoordinator(&failingStore{Store: mem, failOn: "UpdateSession"}, gateway)
	_, err = coordinator.Join(context.Background(), code, "Alice", "conn-a", false)
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if got := mem.Stats()["participants"]; got != 0 {
		t.Fatalf("expected participant rolled back, got %d", got)
	}
	if len(gateway.events()) != 0 {
		t.Fatalf("failed operations must not publish")
	}
	if _, ok := gateway.subscribedTo("conn-a"); ok {
		t.Fatalf("failed join must not subscribe")
	}
}

func TestSubmitVoteSurfacesStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	code := env.createSession(t)
	alice := env.join(t, code, "Alice", "conn-a", false)

	coordinator := NewCoordinator(&failingStore{Store: env.store, failOn: "UpsertVote"}, env.gateway)
	published := len(env.gateway.events())

	ok, err := coordinator.SubmitVote(context.Background(), code, alice, "5")
	if ok || !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v, %v", ok, err)
	}
	if len(env.gateway.events()) != published {
		t.Fatalf("failed vote must not publish")
	}
}

func TestConcurrentVotesAreAllRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	const voters = 20
	ids := make([]uuid.UUID, voters)
	for i := range ids {
		ids[i] = env.join(t, code, "Voter", "conn-"+string(rune('a'+i)), false)
	}

	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			ok, err := env.coordinator.SubmitVote(ctx, code, id, "3")
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- errors.New("vote rejected")
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent vote failed: %v", err)
	}

	snap, err := env.coordinator.Reveal(ctx, code)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if len(snap.Votes) != voters {
		t.Fatalf("expected %d votes, got %d", voters, len(snap.Votes))
	}
	if size := env.coordinator.locks.size(); size != 0 {
		t.Fatalf("expected lock table drained, got %d entries", size)
	}
}

func TestConcurrentJoinsHaveSingleCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.createSession(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.coordinator.Join(ctx, code, "P", "conn-"+string(rune('a'+i)), i%3 == 0); err != nil {
				t.Errorf("Join: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := env.coordinator.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	creators := 0
	for _, p := range snap.Participants {
		if p.IsCreator {
			creators++
			if p.IsSpectator {
				t.Fatalf("spectator became creator")
			}
		}
	}
	if creators != 1 || len(snap.Participants) != 16 {
		t.Fatalf("expected 16 participants and 1 creator, got %d and %d", len(snap.Participants), creators)
	}
}

func TestVoteRacingRemoval(t *testing.T) {
	for i := 0; i < 25; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		code := env.createSession(t)
		env.join(t, code, "Keeper", "conn-k", false)
		bob := env.join(t, code, "Bob", "conn-b", false)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.coordinator.SubmitVote(ctx, code, bob, "8")
		}()
		go func() {
			defer wg.Done()
			_ = env.coordinator.RemoveByConnection(ctx, "conn-b")
		}()
		wg.Wait()

		// Whichever ran first, no vote survives its participant.
		if got := env.store.Stats()["votes"]; got != 0 {
			t.Fatalf("iteration %d: orphaned vote survived removal", i)
		}
	}
}

func TestSnapshotUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.coordinator.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	exists, err := env.coordinator.SessionExists(context.Background(), strings.Repeat("x", 40))
	if err != nil || exists {
		t.Fatalf("expected false for oversized code, got %v, %v", exists, err)
	}
}

func TestJoinUpdatesLastActivity(t *testing.T) {
	env := newTestEnv(t)
	code := env.createSession(t)
	env.clock.Advance(10 * time.Minute)
	env.join(t, code, "Alice", "conn-a", false)

	var session *models.Session
	err := env.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		session, err = tx.GetActiveSession(context.Background(), code)
		return err
	})
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if !session.LastActivity.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("expected last activity at join time, got %s", session.LastActivity)
	}
}
