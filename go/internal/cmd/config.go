package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// Config is the process configuration read from the environment.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// RulesPath points at the YAML game rules. A missing file means stock
	// rules.
	RulesPath string `env:"RULES_PATH" envDefault:"config/rules.yaml"`

	HostKey  string `env:"HOST_KEY"`
	AdminKey string `env:"ADMIN_KEY"`

	NATSURL string `env:"NATS_URL"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CheckpointTTL time.Duration `env:"CHECKPOINT_TTL" envDefault:"6h"`

	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	MaxConcurrentTicks int           `env:"MAX_CONCURRENT_TICKS" envDefault:"64"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	RunMigrations  bool     `env:"RUN_MIGRATIONS" envDefault:"true"`
	ResumeRooms    bool     `env:"RESUME_ROOMS" envDefault:"true"`
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("TICK_INTERVAL must be positive, got %s", cfg.TickInterval)
	}
	if cfg.MaxConcurrentTicks < 1 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_TICKS must be at least 1, got %d", cfg.MaxConcurrentTicks)
	}
	return cfg, nil
}

// loadRules overlays the YAML file at path on the stock session config.
func loadRules(path string) (session.Config, error) {
	cfg := session.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("rules file not found, using defaults")
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Dur("question_duration", cfg.QuestionDuration).
		Bool("auto_start", cfg.AutoStart.Enabled).
		Msg("loaded game rules")
	return cfg, nil
}
