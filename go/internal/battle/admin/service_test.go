package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/registry"
	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/battle/store"
	"github.com/hydraquiz/battle/go/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]session.Snapshot
	commands []events.Command
	startErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{rooms: map[uuid.UUID]session.Snapshot{}}
}

func (e *fakeEngine) InstanceID() string { return "inst0001" }

func (e *fakeEngine) Start(_ context.Context, roomID uuid.UUID) (session.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return session.Snapshot{}, e.startErr
	}
	snap := session.Snapshot{
		RoomID:         roomID,
		JoinCode:       "HYD7RA",
		Version:        1,
		Phase:          session.PhaseLobby,
		HydraHealth:    500,
		MaxHydraHealth: 500,
		PhaseStartsAt:  t0,
		PhaseEndsAt:    t0.Add(10 * time.Second),
	}
	e.rooms[roomID] = snap
	return snap, nil
}

func (e *fakeEngine) Stop(roomID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, roomID)
}

func (e *fakeEngine) Dispatch(_ context.Context, roomID uuid.UUID, ev events.Inbound) (registry.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.rooms[roomID]
	if !ok {
		return registry.Result{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}
	cmd := ev.(events.Command)
	e.commands = append(e.commands, cmd)
	switch session.CommandName(cmd.Name) {
	case session.CommandStart:
		if len(snap.Players) == 0 {
			return registry.Result{Snapshot: snap}, session.ErrNoConnectedPlayers
		}
	case session.CommandEnd:
		snap.Phase = session.PhaseEnded
		snap.Version++
	default:
		return registry.Result{Snapshot: snap}, fmt.Errorf("%w: %s", session.ErrUnknownCommand, cmd.Name)
	}
	e.rooms[roomID] = snap
	return registry.Result{Snapshot: snap}, nil
}

func (e *fakeEngine) Snapshot(roomID uuid.UUID) (session.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.rooms[roomID]
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}
	return snap, nil
}

func (e *fakeEngine) Rooms() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	return ids
}

type fakeRoomStore struct {
	sets  map[uuid.UUID][]models.Question
	rooms []models.Room
}

func (s *fakeRoomStore) CreateQuestionSet(_ context.Context, _ string, qs []models.Question) (uuid.UUID, error) {
	for _, q := range qs {
		if len(q.Options) < 2 {
			return uuid.Nil, store.ErrInvalidQuestion
		}
	}
	id := uuid.New()
	s.sets[id] = qs
	return id, nil
}

func (s *fakeRoomStore) CreateRoom(_ context.Context, req store.CreateRoomRequest) (*models.Room, error) {
	if _, ok := s.sets[req.QuestionSetID]; !ok {
		return nil, store.ErrQuestionSetNotFound
	}
	room := models.Room{
		ID:             uuid.New(),
		JoinCode:       "HYD7RA",
		QuestionSetID:  req.QuestionSetID,
		Status:         models.RoomStatusWaiting,
		HydraHealth:    req.MaxHydraHealth,
		MaxHydraHealth: req.MaxHydraHealth,
		Settings:       req.Settings,
	}
	s.rooms = append(s.rooms, room)
	return &room, nil
}

type harness struct {
	engine *fakeEngine
	rooms  *fakeRoomStore
	clock  *clockwork.FakeClock
	client *Client
}

func newHarness(t *testing.T, serverKey, clientKey string) *harness {
	t.Helper()
	h := &harness{
		engine: newFakeEngine(),
		rooms:  &fakeRoomStore{sets: map[uuid.UUID][]models.Question{}},
		clock:  clockwork.NewFakeClockAt(t0.Add(4 * time.Second)),
	}
	path, handler := NewHandler(NewService(h.engine, h.rooms, h.clock), serverKey)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.client = NewClient(srv.Client(), srv.URL, clientKey)
	return h
}

func TestRoomLifecycle(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()

	set, err := h.client.CreateQuestionSet(ctx, &CreateQuestionSetRequest{
		Name: "hydra basics",
		Questions: []models.Question{
			{Prompt: "Fire beats?", Options: []string{"Ice", "Water"}, CorrectIndex: 0},
		},
	})
	require.NoError(t, err)

	created, err := h.client.CreateRoom(ctx, &CreateRoomRequest{
		QuestionSetID:  set.QuestionSetID,
		MaxHydraHealth: 500,
		Settings:       models.RoomSettings{MaxPlayers: 6},
		Start:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, created.Room.Settings.MaxPlayers)
	require.NotNil(t, created.Snapshot)
	assert.Equal(t, session.PhaseLobby, created.Snapshot.Phase)

	roomID := created.Room.ID.String()
	state, err := h.client.GetRoomState(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "HYD7RA", state.Snapshot.JoinCode)
	assert.Equal(t, int64(6000), state.RemainingMs)

	list, err := h.client.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inst0001", list.InstanceID)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, roomID, list.Rooms[0].RoomID)
	assert.Equal(t, 500, list.Rooms[0].MaxHydraHealth)

	ended, err := h.client.SendCommand(ctx, roomID, " END ")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseEnded, ended.Snapshot.Phase)
	assert.Equal(t, events.Command{Name: "end", ConnectionID: adminConnectionID}, h.engine.commands[0])

	require.NoError(t, h.client.StopRoom(ctx, roomID))
	_, err = h.client.GetRoomState(ctx, roomID)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	list, err = h.client.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Rooms)
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()

	started, err := h.client.StartRoom(ctx, uuid.NewString())
	require.NoError(t, err)
	roomID := started.Snapshot.RoomID.String()

	tests := []struct {
		name string
		call func() error
		code connect.Code
	}{
		{"malformed room id", func() error { _, err := h.client.GetRoomState(ctx, "room-1"); return err }, connect.CodeInvalidArgument},
		{"unknown room", func() error { _, err := h.client.SendCommand(ctx, uuid.NewString(), "end"); return err }, connect.CodeNotFound},
		{"empty command", func() error { _, err := h.client.SendCommand(ctx, roomID, " "); return err }, connect.CodeInvalidArgument},
		{"unknown command", func() error { _, err := h.client.SendCommand(ctx, roomID, "dance"); return err }, connect.CodeInvalidArgument},
		{"start without players", func() error { _, err := h.client.SendCommand(ctx, roomID, "start"); return err }, connect.CodeFailedPrecondition},
		{"unknown question set", func() error {
			_, err := h.client.CreateRoom(ctx, &CreateRoomRequest{QuestionSetID: uuid.NewString(), MaxHydraHealth: 10})
			return err
		}, connect.CodeNotFound},
		{"no hydra health", func() error {
			_, err := h.client.CreateRoom(ctx, &CreateRoomRequest{QuestionSetID: uuid.NewString()})
			return err
		}, connect.CodeInvalidArgument},
		{"invalid question", func() error {
			_, err := h.client.CreateQuestionSet(ctx, &CreateQuestionSetRequest{Name: "x", Questions: []models.Question{{Prompt: "?", Options: []string{"a"}}}})
			return err
		}, connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.code, connect.CodeOf(err))
		})
	}
}

func TestStartRoomUnavailable(t *testing.T) {
	h := newHarness(t, "", "")
	h.engine.startErr = fmt.Errorf("%w: load room: connection refused", session.ErrCollaboratorUnavailable)

	_, err := h.client.StartRoom(context.Background(), uuid.NewString())
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
}

func TestAdminKey(t *testing.T) {
	t.Run("rejects wrong key", func(t *testing.T) {
		h := newHarness(t, "s3cret", "guess")
		_, err := h.client.ListRooms(context.Background())
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	})

	t.Run("rejects missing key", func(t *testing.T) {
		h := newHarness(t, "s3cret", "")
		_, err := h.client.ListRooms(context.Background())
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	})

	t.Run("accepts matching key", func(t *testing.T) {
		h := newHarness(t, "s3cret", "s3cret")
		_, err := h.client.ListRooms(context.Background())
		assert.NoError(t, err)
	})
}

func TestToConnectErrorFallsBackToInternal(t *testing.T) {
	err := toConnectError(errors.New("boom"))
	assert.Equal(t, connect.CodeInternal, connect.CodeOf(err))
}
