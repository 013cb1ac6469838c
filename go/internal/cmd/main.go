package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/dbconfig"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg.LogLevel)

	rules, err := loadRules(cfg.RulesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load game rules")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rules); err != nil {
		log.Error().Err(err).Msg("battle server exited")
		os.Exit(1)
	}
	log.Info().Msg("graceful shutdown complete")
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(ctx context.Context, cfg Config, rules session.Config) error {
	dbs, err := setupDatabase(ctx, dbconfig.NewConfigFromEnv(), cfg.RunMigrations)
	if err != nil {
		return err
	}
	defer dbs.Close()

	services, err := setupServices(ctx, cfg, rules, dbs)
	if err != nil {
		return err
	}
	defer services.Close()

	if cfg.ResumeRooms {
		services.resumeRooms(ctx)
	}

	server := setupServer(cfg, services)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return services.Sink.Run(gctx) })
	g.Go(func() error { return services.Gateway.Start(gctx) })
	g.Go(func() error { return services.Registry.Run(gctx) })
	g.Go(func() error {
		log.Info().
			Str("addr", server.Addr).
			Str("instance", services.InstanceID).
			Msg("battle server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
