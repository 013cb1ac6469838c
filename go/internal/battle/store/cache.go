package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// CheckpointCache keeps the latest checkpoint of live rooms in Redis so a
// restarted process can resume them without touching Postgres.
type CheckpointCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// NewCheckpointCache creates a cache writing keys under prefix.
func NewCheckpointCache(client *redis.Client, prefix string, ttl time.Duration) *CheckpointCache {
	return &CheckpointCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *CheckpointCache) key(roomID uuid.UUID) string {
	return c.prefix + roomID.String()
}

// Get returns the cached checkpoint, or nil on a miss.
func (c *CheckpointCache) Get(ctx context.Context, roomID uuid.UUID) (*session.State, error) {
	data, err := c.client.Get(ctx, c.key(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, nil
		}
		c.errors.Add(1)
		return nil, fmt.Errorf("checkpoint cache get: %w", err)
	}

	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("checkpoint cache unmarshal: %w", err)
	}
	c.hits.Add(1)
	return &st, nil
}

// Set stores state with the cache TTL.
func (c *CheckpointCache) Set(ctx context.Context, state session.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("checkpoint cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(state.RoomID), data, c.ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("checkpoint cache set: %w", err)
	}
	return nil
}

// Delete drops the cached checkpoint of roomID.
func (c *CheckpointCache) Delete(ctx context.Context, roomID uuid.UUID) error {
	if err := c.client.Del(ctx, c.key(roomID)).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("checkpoint cache delete: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (c *CheckpointCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

// Backend is the durable store behind a CachedStore.
type Backend interface {
	LoadInitialState(ctx context.Context, roomID uuid.UUID) (*session.State, error)
	Checkpoint(ctx context.Context, roomID uuid.UUID, state session.State) error
}

// CachedStore reads checkpoints from the cache first and writes through to
// both. Cache failures are logged and never fail the caller.
type CachedStore struct {
	backend Backend
	cache   *CheckpointCache
}

// NewCachedStore layers cache over backend.
func NewCachedStore(backend Backend, cache *CheckpointCache) *CachedStore {
	return &CachedStore{backend: backend, cache: cache}
}

func (s *CachedStore) LoadInitialState(ctx context.Context, roomID uuid.UUID) (*session.State, error) {
	st, err := s.cache.Get(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID.String()).Msg("checkpoint cache unavailable, reading database")
	}
	if st != nil {
		return st, nil
	}
	return s.backend.LoadInitialState(ctx, roomID)
}

func (s *CachedStore) Checkpoint(ctx context.Context, roomID uuid.UUID, state session.State) error {
	if err := s.backend.Checkpoint(ctx, roomID, state); err != nil {
		return err
	}

	var err error
	if state.Phase == session.PhaseEnded {
		err = s.cache.Delete(ctx, roomID)
	} else {
		err = s.cache.Set(ctx, state)
	}
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID.String()).Msg("failed to refresh checkpoint cache")
	}
	return nil
}
