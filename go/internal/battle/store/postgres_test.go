package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/battle/store/migrations"
	"github.com/hydraquiz/battle/go/internal/models"
)

var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgDSN       string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) {
	pgContainer, pgErr = postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("battle"),
		postgres.WithUsername("battle"),
		postgres.WithPassword("battle"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if pgErr != nil {
		return
	}
	if pgDSN, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable"); pgErr != nil {
		return
	}
	pgErr = migrations.Up(ctx, pgDSN)
}

func newTestStore(t *testing.T, joinCodes func() string) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgOnce.Do(func() { startPostgres(ctx) })
	require.NoError(t, pgErr)

	pool, err := pgxpool.New(ctx, pgDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	if joinCodes == nil {
		joinCodes, err = NewJoinCodeGenerator()
		require.NoError(t, err)
	}
	return NewPostgresStore(pool, joinCodes)
}

func testQuestions() []models.Question {
	return []models.Question{
		{Prompt: "Which element does a frost bolt use?", Options: []string{"Ice", "Fire", "Stone"}, CorrectIndex: 0, Category: models.AttackCategoryFrost},
		{Prompt: "How many heads does the hydra grow back?", Options: []string{"One", "Two"}, CorrectIndex: 1, TimeLimitSec: 15},
		{Prompt: "Which class heals?", Options: []string{"Rogue", "Cleric", "Warrior", "Mage"}, CorrectIndex: 1, Category: models.AttackCategoryArcane},
	}
}

func TestCreateRoomAndLoadFreshState(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	setID, err := s.CreateQuestionSet(ctx, "hydra basics", testQuestions())
	require.NoError(t, err)

	room, err := s.CreateRoom(ctx, CreateRoomRequest{
		QuestionSetID:  setID,
		MaxHydraHealth: 900,
		Settings:       models.RoomSettings{MaxPlayers: 8, AutoStart: true},
	})
	require.NoError(t, err)
	assert.Len(t, room.JoinCode, JoinCodeLength)
	assert.Equal(t, models.RoomStatusWaiting, room.Status)
	assert.Equal(t, 900, room.HydraHealth)

	byCode, err := s.GetRoomByJoinCode(ctx, room.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, room.ID, byCode.ID)
	assert.Equal(t, 8, byCode.Settings.MaxPlayers)

	st, err := s.LoadInitialState(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, session.Phase(""), st.Phase)
	assert.Equal(t, 3, st.TotalQuestions)
	assert.Equal(t, 900, st.MaxHydraHealth)
	assert.True(t, st.Settings.AutoStart)
}

func TestNextQuestionFollowsSetOrder(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	setID, err := s.CreateQuestionSet(ctx, "ordered", testQuestions())
	require.NoError(t, err)
	room, err := s.CreateRoom(ctx, CreateRoomRequest{QuestionSetID: setID, MaxHydraHealth: 500})
	require.NoError(t, err)

	for i, want := range testQuestions() {
		q, err := s.NextQuestion(ctx, room.ID, i)
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.Equal(t, want.Prompt, q.Prompt)
		assert.Equal(t, want.Options, q.Options)
		assert.Equal(t, want.CorrectIndex, q.CorrectIndex)
	}

	q, err := s.NextQuestion(ctx, room.ID, 3)
	require.NoError(t, err)
	assert.Nil(t, q, "exhausted set")

	q, err = s.NextQuestion(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.AttackCategoryFrost, q.Category)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	setID, err := s.CreateQuestionSet(ctx, "checkpoint", testQuestions())
	require.NoError(t, err)
	room, err := s.CreateRoom(ctx, CreateRoomRequest{QuestionSetID: setID, MaxHydraHealth: 1000})
	require.NoError(t, err)

	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := session.State{
		RoomID:         room.ID,
		JoinCode:       room.JoinCode,
		Phase:          session.PhaseScoreboard,
		HydraHealth:    730,
		MaxHydraHealth: 1000,
		Cursor:         2,
		Players: []models.Player{
			{ID: "p1", Name: "Ayla", Class: models.PlayerClassWarrior, Score: 150, JoinedAt: joined},
			{ID: "p2", Name: "Bo", Class: models.PlayerClassMage, Score: 310, JoinedAt: joined.Add(time.Second)},
		},
		PhaseStartedAt: joined.Add(time.Minute),
		PhaseEndsAt:    joined.Add(time.Minute + 6*time.Second),
		Version:        42,
	}
	require.NoError(t, s.Checkpoint(ctx, room.ID, st))

	loaded, err := s.LoadInitialState(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, session.PhaseScoreboard, loaded.Phase)
	assert.Equal(t, 730, loaded.HydraHealth)
	assert.Equal(t, uint64(42), loaded.Version)
	assert.Len(t, loaded.Players, 2)

	updated, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusRunning, updated.Status)
	assert.Equal(t, 2, updated.Cursor)

	resumable, err := s.ResumableRoomIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, resumable, room.ID)

	roster, err := s.RoomPlayers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "p2", roster[0].ID, "highest score first")

	st.Players[0].Score = 400
	st.Phase = session.PhaseEnded
	require.NoError(t, s.Checkpoint(ctx, room.ID, st))
	roster, err = s.RoomPlayers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", roster[0].ID)

	resumable, err = s.ResumableRoomIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, resumable, room.ID)
}

func TestStoreNotFound(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	st, err := s.LoadInitialState(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = s.GetRoom(ctx, uuid.New())
	assert.ErrorIs(t, err, session.ErrRoomNotFound)

	err = s.Checkpoint(ctx, uuid.New(), session.State{Phase: session.PhaseLobby})
	assert.ErrorIs(t, err, session.ErrRoomNotFound)

	_, err = s.CreateRoom(ctx, CreateRoomRequest{QuestionSetID: uuid.New(), MaxHydraHealth: 100})
	assert.ErrorIs(t, err, ErrQuestionSetNotFound)

	_, err = s.CreateQuestionSet(ctx, "broken", []models.Question{{Prompt: "?", Options: []string{"only"}}})
	assert.ErrorIs(t, err, ErrInvalidQuestion)
}

func TestCreateRoomRetriesJoinCodeCollision(t *testing.T) {
	dup := strings.ToUpper(uuid.NewString()[:6])
	fresh := strings.ToUpper(uuid.NewString()[:6])
	codes := []string{dup, dup, fresh}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c
	}

	s := newTestStore(t, next)
	ctx := context.Background()
	setID, err := s.CreateQuestionSet(ctx, "collisions", testQuestions())
	require.NoError(t, err)

	first, err := s.CreateRoom(ctx, CreateRoomRequest{QuestionSetID: setID, MaxHydraHealth: 100})
	require.NoError(t, err)
	second, err := s.CreateRoom(ctx, CreateRoomRequest{QuestionSetID: setID, MaxHydraHealth: 100})
	require.NoError(t, err)

	assert.Equal(t, dup, first.JoinCode)
	assert.Equal(t, fresh, second.JoinCode)
}
