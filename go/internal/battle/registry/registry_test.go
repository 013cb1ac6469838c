package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/models"
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu          sync.Mutex
	states      map[uuid.UUID]session.State
	loadErr     error
	checkpoints []session.State
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[uuid.UUID]session.State)}
}

func (s *fakeStore) add(st session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.RoomID] = st
}

func (s *fakeStore) LoadInitialState(_ context.Context, roomID uuid.UUID) (*session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	st, ok := s.states[roomID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *fakeStore) Checkpoint(_ context.Context, _ uuid.UUID, st session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, st)
	return nil
}

func (s *fakeStore) checkpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

type fakeQuestions struct {
	mu        sync.Mutex
	questions []models.Question
	failRooms map[uuid.UUID]bool
	panicRoom uuid.UUID
}

func (f *fakeQuestions) NextQuestion(_ context.Context, roomID uuid.UUID, cursor int) (*models.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID == f.panicRoom {
		panic("question bank corrupted")
	}
	if f.failRooms[roomID] {
		return nil, errors.New("connection refused")
	}
	if cursor >= len(f.questions) {
		return nil, nil
	}
	q := f.questions[cursor]
	return &q, nil
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	published map[uuid.UUID][]session.Snapshot
	unicasts  map[string][]events.Outbound
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{
		published: make(map[uuid.UUID][]session.Snapshot),
		unicasts:  make(map[string][]events.Outbound),
	}
}

func (b *recordingBroadcaster) Publish(roomID uuid.UUID, snap session.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[roomID] = append(b.published[roomID], snap)
}

func (b *recordingBroadcaster) Unicast(connectionID string, ev events.Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unicasts[connectionID] = append(b.unicasts[connectionID], ev)
}

func (b *recordingBroadcaster) count(roomID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[roomID])
}

func (b *recordingBroadcaster) last(roomID uuid.UUID) session.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.published[roomID]
	return snaps[len(snaps)-1]
}

func (b *recordingBroadcaster) unicastsFor(connectionID string) []events.Outbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Outbound(nil), b.unicasts[connectionID]...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (s *recordingSink) Emit(ev events.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) countByType() map[events.DomainEventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[events.DomainEventType]int)
	for _, ev := range s.events {
		counts[ev.Type]++
	}
	return counts
}

type fixture struct {
	registry    *Registry
	store       *fakeStore
	questions   *fakeQuestions
	broadcaster *recordingBroadcaster
	sink        *recordingSink
	clock       *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Session.PrepareDuration = 3 * time.Second
	cfg.Session.QuestionDuration = 10 * time.Second
	cfg.Session.RevealDuration = 4 * time.Second
	cfg.Session.ScoreboardDuration = 5 * time.Second
	cfg.Session.EndedGrace = 30 * time.Second

	f := &fixture{
		store:       newFakeStore(),
		questions:   &fakeQuestions{failRooms: make(map[uuid.UUID]bool)},
		broadcaster: newRecordingBroadcaster(),
		sink:        &recordingSink{},
		clock:       clockwork.NewFakeClockAt(t0),
	}
	for i := 0; i < 2; i++ {
		f.questions.questions = append(f.questions.questions, models.Question{
			ID:       uuid.New(),
			Prompt:   fmt.Sprintf("Question %d", i+1),
			Options:  []string{"A", "B", "C"},
			Category: models.AttackCategoryFire,
		})
	}
	f.registry = New(f.store, f.questions, f.broadcaster, cfg, WithClock(f.clock), WithEventSink(f.sink))
	return f
}

func (f *fixture) addRoom(maxHealth int) uuid.UUID {
	id := uuid.New()
	f.store.add(session.State{
		RoomID:         id,
		JoinCode:       "HYD" + id.String()[:3],
		MaxHydraHealth: maxHealth,
		TotalQuestions: len(f.questions.questions),
	})
	return id
}

func (f *fixture) startWithPlayer(t *testing.T, maxHealth int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := f.addRoom(maxHealth)
	_, err := f.registry.Start(ctx, id)
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, id, events.Join{PlayerID: "p1", Name: "Ayla", Class: models.PlayerClassWarrior, ConnectionID: "conn-p1"})
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, id, events.Command{Name: "start"})
	require.NoError(t, err)
	return id
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.registry.TickAll(context.Background(), f.clock.Now())
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Start(ctx, uuid.New())
	assert.ErrorIs(t, err, session.ErrRoomNotFound)

	f.store.loadErr = errors.New("dial tcp: connection refused")
	_, err = f.registry.Start(ctx, f.addRoom(500))
	assert.ErrorIs(t, err, session.ErrCollaboratorUnavailable)
	assert.Empty(t, f.registry.Rooms())
}

func TestStartReplacesRunningMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.startWithPlayer(t, 500)

	snap, err := f.registry.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseLobby, snap.Phase)
	assert.Empty(t, snap.Players)
	assert.Equal(t, []uuid.UUID{id}, f.registry.Rooms())
	assert.Equal(t, 2, f.sink.countByType()[events.DomainRoomStarted])
}

func TestDispatchAfterStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.startWithPlayer(t, 500)

	f.registry.Stop(id)
	f.registry.Stop(id)

	_, err := f.registry.Dispatch(ctx, id, events.Join{PlayerID: "p2", Name: "Bo", Class: models.PlayerClassMage})
	assert.ErrorIs(t, err, session.ErrRoomNotFound)
	_, err = f.registry.Snapshot(id)
	assert.ErrorIs(t, err, session.ErrRoomNotFound)
	assert.ErrorIs(t, f.registry.Subscribe(id, "conn-x"), session.ErrRoomNotFound)

	published := f.broadcaster.count(id)
	f.advance(3 * time.Second)
	assert.Equal(t, published, f.broadcaster.count(id))
}

func TestJoinAcknowledgesConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addRoom(500)
	_, err := f.registry.Start(ctx, id)
	require.NoError(t, err)

	res, err := f.registry.Dispatch(ctx, id, events.Join{PlayerID: "p1", Name: "Ayla", Class: models.PlayerClassRogue, ConnectionID: "conn-1"})
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Players, 1)
	assert.True(t, res.Snapshot.Players[0].Connected)

	acks := f.broadcaster.unicastsFor("conn-1")
	require.Len(t, acks, 1)
	assert.Equal(t, events.EventTypeJoined, acks[0].Type)

	var joined events.JoinedPayload
	require.NoError(t, json.Unmarshal(acks[0].Data, &joined))
	assert.Equal(t, "p1", joined.PlayerID)
	assert.Equal(t, id.String(), joined.RoomID)
}

func TestLeaveFromStaleConnectionPublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addRoom(500)
	_, err := f.registry.Start(ctx, id)
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, id, events.Join{PlayerID: "p1", Name: "Ayla", Class: models.PlayerClassRogue, ConnectionID: "old"})
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, id, events.Join{PlayerID: "p1", Name: "Ayla", Class: models.PlayerClassRogue, ConnectionID: "new"})
	require.NoError(t, err)

	published := f.broadcaster.count(id)
	res, err := f.registry.Dispatch(ctx, id, events.Leave{PlayerID: "p1", ConnectionID: "old"})
	require.NoError(t, err)
	assert.True(t, res.Snapshot.Players[0].Connected)
	assert.Equal(t, published, f.broadcaster.count(id))
}

func TestFullBattle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.startWithPlayer(t, 100)

	snap, err := f.registry.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, session.PhasePreparing, snap.Phase)

	f.advance(3 * time.Second)
	snap, err = f.registry.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, session.PhaseQuestion, snap.Phase)
	require.NotNil(t, snap.Question)

	res, err := f.registry.Dispatch(ctx, id, events.Answer{PlayerID: "p1", Answer: "A", ConnectionID: "conn-p1"})
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.True(t, res.Score.IsCorrect)
	assert.Equal(t, 0, res.Score.HydraHealth)
	assert.Equal(t, session.PhaseReveal, res.Snapshot.Phase, "sole player answered")

	var result events.AnswerResultPayload
	acks := f.broadcaster.unicastsFor("conn-p1")
	require.NotEmpty(t, acks)
	require.Equal(t, events.EventTypeAnswerResult, acks[len(acks)-1].Type)
	require.NoError(t, json.Unmarshal(acks[len(acks)-1].Data, &result))
	assert.Equal(t, res.Score.Points, result.Points)

	f.advance(4 * time.Second)
	assert.Equal(t, session.PhaseScoreboard, f.broadcaster.last(id).Phase)

	f.advance(5 * time.Second)
	final := f.broadcaster.last(id)
	assert.Equal(t, session.PhaseEnded, final.Phase)
	assert.Equal(t, session.OutcomeVictory, final.Outcome)

	assert.Equal(t, 5, f.store.checkpointCount(), "one checkpoint per phase boundary")
	assert.Equal(t, map[events.DomainEventType]int{
		events.DomainRoomStarted:    1,
		events.DomainPhaseChanged:   5,
		events.DomainAnswerRecorded: 1,
		events.DomainRoomEnded:      1,
	}, f.sink.countByType())

	f.advance(30 * time.Second)
	assert.Empty(t, f.registry.Rooms())
	_, err = f.registry.Snapshot(id)
	assert.ErrorIs(t, err, session.ErrRoomNotFound)
}

func TestSubscribeResyncsLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.startWithPlayer(t, 500)
	f.advance(3 * time.Second)

	require.NoError(t, f.registry.Subscribe(id, "conn-late"))

	got := f.broadcaster.unicastsFor("conn-late")
	require.Len(t, got, 1)
	assert.Equal(t, events.EventTypeState, got[0].Type)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(got[0].Data, &snap))
	if diff := cmp.Diff(f.broadcaster.last(id), snap); diff != "" {
		t.Errorf("resync snapshot mismatch (-broadcast +resync):\n%s", diff)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	tests := []struct {
		name     string
		sabotage func(f *fixture, id uuid.UUID)
	}{
		{
			name:     "collaborator error",
			sabotage: func(f *fixture, id uuid.UUID) { f.questions.failRooms[id] = true },
		},
		{
			name:     "panic",
			sabotage: func(f *fixture, id uuid.UUID) { f.questions.panicRoom = id },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			broken := f.startWithPlayer(t, 500)
			healthy := f.startWithPlayer(t, 500)
			tt.sabotage(f, broken)

			f.advance(3 * time.Second)

			snap, err := f.registry.Snapshot(healthy)
			require.NoError(t, err)
			assert.Equal(t, session.PhaseQuestion, snap.Phase)

			snap, err = f.registry.Snapshot(broken)
			require.NoError(t, err)
			assert.Equal(t, session.PhasePreparing, snap.Phase)
		})
	}
}

func TestNoBroadcastAfterConcurrentStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.startWithPlayer(t, 5000)

	var wg sync.WaitGroup
	stopped := make(chan int, 1)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = f.registry.Dispatch(ctx, id, events.Join{
					PlayerID:     fmt.Sprintf("w%d-%d", w, i%5),
					Name:         "worker",
					Class:        models.PlayerClassCleric,
					ConnectionID: fmt.Sprintf("c%d-%d", w, i),
				})
				f.registry.TickAll(ctx, f.clock.Now())
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.registry.Stop(id)
		stopped <- f.broadcaster.count(id)
	}()
	wg.Wait()

	assert.Equal(t, <-stopped, f.broadcaster.count(id))
}

func TestRunTicksAndShutsDown(t *testing.T) {
	f := newFixture(t)
	id := f.startWithPlayer(t, 500)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.registry.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))

	f.clock.Advance(3 * time.Second)
	assert.Eventually(t, func() bool {
		snap, err := f.registry.Snapshot(id)
		return err == nil && snap.Phase == session.PhaseQuestion
	}, 2*time.Second, 10*time.Millisecond)

	checkpoints := f.store.checkpointCount()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, f.registry.Rooms())
	assert.Equal(t, checkpoints+1, f.store.checkpointCount(), "shutdown checkpoints running rooms")
}

func TestInstanceID(t *testing.T) {
	generated := New(nil, nil, nil, DefaultConfig())
	assert.Len(t, generated.InstanceID(), 8)

	shared := New(nil, nil, nil, DefaultConfig(), WithInstanceID("gw-01"))
	assert.Equal(t, "gw-01", shared.InstanceID())

	kept := New(nil, nil, nil, DefaultConfig(), WithInstanceID(""))
	assert.Len(t, kept.InstanceID(), 8)
}

func TestClientElapsedBounds(t *testing.T) {
	ms := func(v int64) *int64 { return &v }

	assert.Nil(t, clientElapsed(nil))
	assert.Nil(t, clientElapsed(ms(-1)))
	assert.Nil(t, clientElapsed(ms(events.MaxClientElapsedMs+1)))
	assert.Nil(t, clientElapsed(ms(math.MaxInt64)))

	got := clientElapsed(ms(1500))
	require.NotNil(t, got)
	assert.Equal(t, 1500*time.Millisecond, *got)
}
