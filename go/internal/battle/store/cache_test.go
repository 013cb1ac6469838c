package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/models"
)

func setupTestCache(t *testing.T) *CheckpointCache {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })

	return NewCheckpointCache(client, "battle-test:"+uuid.NewString()[:8]+":", time.Minute)
}

type memoryBackend struct {
	states      map[uuid.UUID]session.State
	loads       int
	checkpoints int
	err         error
}

func (b *memoryBackend) LoadInitialState(_ context.Context, roomID uuid.UUID) (*session.State, error) {
	b.loads++
	st, ok := b.states[roomID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (b *memoryBackend) Checkpoint(_ context.Context, roomID uuid.UUID, st session.State) error {
	if b.err != nil {
		return b.err
	}
	b.checkpoints++
	b.states[roomID] = st
	return nil
}

func sampleState(phase session.Phase) session.State {
	return session.State{
		RoomID:         uuid.New(),
		JoinCode:       "K7M2QX",
		Phase:          phase,
		HydraHealth:    640,
		MaxHydraHealth: 1000,
		Cursor:         2,
		Players: []models.Player{
			{ID: "p1", Name: "Ayla", Class: models.PlayerClassMage, Score: 240},
		},
		PhaseStartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PhaseEndsAt:    time.Date(2026, 3, 1, 12, 0, 6, 0, time.UTC),
		Version:        17,
	}
}

func TestCheckpointCacheRoundTrip(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()
	st := sampleState(session.PhaseScoreboard)

	got, err := cache.Get(ctx, st.RoomID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, st))
	got, err = cache.Get(ctx, st.RoomID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, st.Version, got.Version)
	assert.Equal(t, st.Players, got.Players)
	assert.True(t, st.PhaseEndsAt.Equal(got.PhaseEndsAt))

	require.NoError(t, cache.Delete(ctx, st.RoomID))
	got, err = cache.Get(ctx, st.RoomID)
	require.NoError(t, err)
	assert.Nil(t, got)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCachedStore(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()
	backend := &memoryBackend{states: make(map[uuid.UUID]session.State)}
	store := NewCachedStore(backend, cache)

	st := sampleState(session.PhaseQuestion)
	require.NoError(t, store.Checkpoint(ctx, st.RoomID, st))
	assert.Equal(t, 1, backend.checkpoints)

	loaded, err := store.LoadInitialState(ctx, st.RoomID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, st.Version, loaded.Version)
	assert.Zero(t, backend.loads, "cache hit must not read the database")

	ended := st
	ended.Phase = session.PhaseEnded
	require.NoError(t, store.Checkpoint(ctx, st.RoomID, ended))
	cached, err := cache.Get(ctx, st.RoomID)
	require.NoError(t, err)
	assert.Nil(t, cached, "ended rooms are evicted")

	loaded, err = store.LoadInitialState(ctx, st.RoomID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseEnded, loaded.Phase)
	assert.Equal(t, 1, backend.loads)

	backend.err = errors.New("database is down")
	assert.Error(t, store.Checkpoint(ctx, st.RoomID, st))
}
