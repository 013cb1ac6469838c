package session

import (
	"fmt"
	"time"

	"github.com/hydraquiz/battle/go/internal/battle/scoring"
)

// AutoStartPolicy arms the lobby countdown once enough players are connected.
type AutoStartPolicy struct {
	Enabled    bool          `yaml:"enabled"`
	MinPlayers int           `yaml:"min_players"`
	Delay      time.Duration `yaml:"delay"`
}

// Config holds phase timings and game rules shared by all machines.
// MaxLagCompensation bounds how much earlier than the server clock a client
// may claim to have answered.
type Config struct {
	PrepareDuration        time.Duration   `yaml:"prepare_duration"`
	QuestionDuration       time.Duration   `yaml:"question_duration"`
	RevealDuration         time.Duration   `yaml:"reveal_duration"`
	ScoreboardDuration     time.Duration   `yaml:"scoreboard_duration"`
	LobbyHold              time.Duration   `yaml:"lobby_hold"`
	EndedGrace             time.Duration   `yaml:"ended_grace"`
	MaxCollaboratorRetries int             `yaml:"max_collaborator_retries"`
	DefaultHydraHealth     int             `yaml:"default_hydra_health"`
	MaxPlayers             int             `yaml:"max_players"`
	MaxLagCompensation     time.Duration   `yaml:"max_lag_compensation"`
	AutoStart              AutoStartPolicy `yaml:"auto_start"`
	Rules                  scoring.Rules   `yaml:"rules"`
}

// DefaultConfig returns stock timings.
func DefaultConfig() Config {
	return Config{
		PrepareDuration:        5 * time.Second,
		QuestionDuration:       20 * time.Second,
		RevealDuration:         5 * time.Second,
		ScoreboardDuration:     6 * time.Second,
		LobbyHold:              24 * time.Hour,
		EndedGrace:             2 * time.Minute,
		MaxCollaboratorRetries: 20,
		DefaultHydraHealth:     1000,
		MaxPlayers:             50,
		MaxLagCompensation:     500 * time.Millisecond,
		AutoStart: AutoStartPolicy{
			Enabled:    false,
			MinPlayers: 2,
			Delay:      10 * time.Second,
		},
		Rules: scoring.DefaultRules(),
	}
}

// Validate checks that every timed phase has a positive duration.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"prepare_duration":    c.PrepareDuration,
		"question_duration":   c.QuestionDuration,
		"reveal_duration":     c.RevealDuration,
		"scoreboard_duration": c.ScoreboardDuration,
		"lobby_hold":          c.LobbyHold,
		"ended_grace":         c.EndedGrace,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AutoStart.Delay <= 0 {
		return fmt.Errorf("auto_start.delay must be positive, got %s", c.AutoStart.Delay)
	}
	if c.MaxLagCompensation < 0 {
		return fmt.Errorf("max_lag_compensation must not be negative, got %s", c.MaxLagCompensation)
	}
	if c.MaxCollaboratorRetries < 1 {
		return fmt.Errorf("max_collaborator_retries must be at least 1, got %d", c.MaxCollaboratorRetries)
	}
	if c.DefaultHydraHealth < 1 {
		return fmt.Errorf("default_hydra_health must be at least 1, got %d", c.DefaultHydraHealth)
	}
	return c.Rules.Validate()
}
