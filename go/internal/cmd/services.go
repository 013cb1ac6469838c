package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/admin"
	"github.com/hydraquiz/battle/go/internal/battle/gateway"
	"github.com/hydraquiz/battle/go/internal/battle/outbox"
	"github.com/hydraquiz/battle/go/internal/battle/registry"
	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/battle/store"
)

const checkpointKeyPrefix = "battle:checkpoint:"

type Services struct {
	InstanceID string
	Registry   *registry.Registry
	Gateway    *gateway.Service
	Admin      *admin.Service
	Sink       *outbox.Sink
	Rooms      *store.PostgresStore
	Cache      *store.CheckpointCache

	natsConn *nats.Conn
	redis    *redis.Client
}

func setupServices(ctx context.Context, cfg Config, rules session.Config, dbs *Databases) (*Services, error) {
	// Wire up dependency injection chain
	// store -> transport -> registry -> gateway/admin
	svc := &Services{InstanceID: registry.NewInstanceID()}

	joinCodes, err := store.NewJoinCodeGenerator()
	if err != nil {
		return nil, err
	}
	svc.Rooms = store.NewPostgresStore(dbs.Pool, joinCodes)

	var sessions registry.SessionStore = svc.Rooms
	if cfg.RedisAddr != "" {
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		svc.Cache = store.NewCheckpointCache(svc.redis, checkpointKeyPrefix, cfg.CheckpointTTL)
		sessions = store.NewCachedStore(svc.Rooms, svc.Cache)
		log.Info().Str("addr", cfg.RedisAddr).Msg("checkpoint cache enabled")
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.HostKey = cfg.HostKey
	cm := gateway.NewConnectionManager(gwCfg.Connection)

	var bridge *gateway.NATSBridge
	if cfg.NATSURL != "" {
		natsCfg := gateway.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		svc.natsConn, err = natsCfg.Connect("battle-gateway-" + svc.InstanceID)
		if err != nil {
			svc.Close()
			return nil, err
		}
		bridge = gateway.NewNATSBridge(svc.natsConn, svc.InstanceID, cm)
		log.Info().Str("url", cfg.NATSURL).Msg("cross-instance snapshot bridge enabled")
	}
	broadcaster := gateway.NewBroadcaster(cm, bridge)

	outboxApp := outbox.NewApp(outbox.NewRepository(dbs.SQL))
	svc.Sink = outbox.NewSink(outboxApp, svc.InstanceID, outbox.DefaultSinkConfig())

	regCfg := registry.DefaultConfig()
	regCfg.TickInterval = cfg.TickInterval
	regCfg.MaxConcurrentTicks = cfg.MaxConcurrentTicks
	regCfg.Session = rules

	svc.Registry = registry.New(sessions, svc.Rooms, broadcaster, regCfg,
		registry.WithInstanceID(svc.InstanceID),
		registry.WithEventSink(svc.Sink),
	)
	svc.Gateway = gateway.NewService(gwCfg, cm, svc.Registry, bridge)
	svc.Admin = admin.NewService(svc.Registry, svc.Rooms, nil)

	return svc, nil
}

// resumeRooms restarts rooms that were mid-battle when the previous process
// stopped.
func (s *Services) resumeRooms(ctx context.Context) {
	ids, err := s.Rooms.ResumableRoomIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list resumable rooms")
		return
	}
	for _, id := range ids {
		if _, err := s.Registry.Start(ctx, id); err != nil {
			log.Error().Err(err).Str("room_id", id.String()).Msg("failed to resume room")
		}
	}
	if len(ids) > 0 {
		log.Info().Int("rooms", len(ids)).Msg("resumed rooms")
	}
}

func (s *Services) Close() {
	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
}
