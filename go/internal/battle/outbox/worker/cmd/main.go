package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hydraquiz/battle/go/internal/battle/outbox"
	"github.com/hydraquiz/battle/go/internal/battle/outbox/worker"
	"github.com/hydraquiz/battle/go/internal/dbconfig"
)

type relayConfig struct {
	NATSURL          string        `env:"NATS_URL"`
	FallbackInterval time.Duration `env:"FALLBACK_INTERVAL" envDefault:"30s"`
	HealthAddr       string        `env:"OUTBOX_HEALTH_ADDR" envDefault:":8081"`
	HealthThreshold  time.Duration `env:"OUTBOX_HEALTH_THRESHOLD" envDefault:"2m"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := env.ParseAs[relayConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("parse relay config")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	dbCfg := dbconfig.NewConfigFromEnv()
	dsn := dbCfg.DSN()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		publisher worker.EventPublisher = worker.LogPublisher{}
		natsConn  *nats.Conn
	)
	if cfg.NATSURL != "" {
		jsCfg := worker.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		js, err := worker.NewJetStreamPublisher(ctx, jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create JetStream publisher")
		}
		defer func() {
			if err := js.Close(); err != nil {
				log.Error().Err(err).Msg("close publisher")
			}
		}()
		publisher, natsConn = js, js.Conn()
	} else {
		log.Warn().Msg("NATS_URL not set, outbox events will only be logged")
	}

	repo := outbox.NewRepository(db)
	app := outbox.NewApp(repo)

	lCfg := outbox.DefaultListenerConfig()
	lCfg.DatabaseURL = dsn
	lCfg.FallbackInterval = cfg.FallbackInterval

	listener, err := outbox.NewListener(app, publisher, lCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox listener")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", outbox.NewHealthChecker(listener, app, repo, natsConn, cfg.HealthThreshold))
	srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msg("starting outbox relay")
		return listener.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HealthAddr).Msg("outbox health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("outbox relay exited")
		os.Exit(1)
	}
	log.Info().Msg("graceful shutdown complete")
}
