package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/store/migrations"
	"github.com/hydraquiz/battle/go/internal/dbconfig"
)

// Databases holds the pgx pool used by the engine store and the
// database/sql handle used by the outbox.
type Databases struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

func (d *Databases) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.SQL != nil {
		if err := d.SQL.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}

func setupDatabase(ctx context.Context, dbCfg dbconfig.Config, migrate bool) (*Databases, error) {
	dsn := dbCfg.DSN()

	if migrate {
		if err := migrations.Up(ctx, dsn); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		pool.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("user", dbCfg.User).
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return &Databases{Pool: pool, SQL: sqlDB}, nil
}
