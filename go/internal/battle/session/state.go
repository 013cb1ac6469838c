package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hydraquiz/battle/go/internal/battle/scoring"
	"github.com/hydraquiz/battle/go/internal/models"
)

// QuestionSource supplies the questions of a room in order.
type QuestionSource interface {
	// NextQuestion returns the question at cursor, or nil when the set is
	// exhausted.
	NextQuestion(ctx context.Context, roomID uuid.UUID, cursor int) (*models.Question, error)
}

// State is the authoritative, checkpointable state of one room.
type State struct {
	RoomID         uuid.UUID           `json:"room_id"`
	JoinCode       string              `json:"join_code"`
	Phase          Phase               `json:"phase"`
	Outcome        Outcome             `json:"outcome,omitempty"`
	Question       *models.Question    `json:"question,omitempty"`
	Players        []models.Player     `json:"players"`
	Answered       map[string]bool     `json:"answered,omitempty"`
	HydraHealth    int                 `json:"hydra_health"`
	MaxHydraHealth int                 `json:"max_hydra_health"`
	Cursor         int                 `json:"cursor"`
	TotalQuestions int                 `json:"total_questions"`
	Settings       models.RoomSettings `json:"settings"`
	PhaseStartedAt time.Time           `json:"phase_started_at"`
	PhaseEndsAt    time.Time           `json:"phase_ends_at"`
	AutoStartArmed bool                `json:"auto_start_armed,omitempty"`
	Version        uint64              `json:"version"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	if s.Question != nil {
		q := s.Question.Clone()
		c.Question = &q
	}
	c.Players = append([]models.Player(nil), s.Players...)
	c.Answered = make(map[string]bool, len(s.Answered))
	for id, v := range s.Answered {
		c.Answered[id] = v
	}
	return c
}

// Window returns the current phase window.
func (s State) Window() Window {
	return Window{StartedAt: s.PhaseStartedAt, EndsAt: s.PhaseEndsAt}
}

// Snapshot is the broadcastable view of a room. A snapshot is never mutated
// after it leaves the machine.
type Snapshot struct {
	RoomID         uuid.UUID     `json:"roomId"`
	JoinCode       string        `json:"joinCode,omitempty"`
	Version        uint64        `json:"version"`
	Phase          Phase         `json:"phase"`
	Outcome        Outcome       `json:"outcome,omitempty"`
	Question       *QuestionView `json:"question"`
	Players        []PlayerView  `json:"players"`
	HydraHealth    int           `json:"hydraHealth"`
	MaxHydraHealth int           `json:"maxHydraHealth"`
	QuestionNumber int           `json:"questionNumber"`
	TotalQuestions int           `json:"totalQuestions"`
	PhaseStartsAt  time.Time     `json:"phaseStartsAt"`
	PhaseEndsAt    time.Time     `json:"phaseEndsAt"`
}

// Remaining is the time left in the phase as seen from now.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	return Window{StartedAt: s.PhaseStartsAt, EndsAt: s.PhaseEndsAt}.Remaining(now)
}

// QuestionView hides the correct option until REVEAL.
type QuestionView struct {
	ID           uuid.UUID             `json:"id"`
	Prompt       string                `json:"prompt"`
	Options      []string              `json:"options"`
	Category     models.AttackCategory `json:"category"`
	CorrectIndex *int                  `json:"correctIndex,omitempty"`
}

type PlayerView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Class     models.PlayerClass `json:"class"`
	Score     int                `json:"score"`
	Connected bool               `json:"connected"`
	Answered  bool               `json:"answered"`
}

// PlayerJoin is a join or reconnect request.
type PlayerJoin struct {
	PlayerID     string
	Name         string
	Class        models.PlayerClass
	ConnectionID string
}

// Answer is a player's submission for the active question.
type Answer struct {
	PlayerID string
	// QuestionID may be uuid.Nil to mean the active question.
	QuestionID    uuid.UUID
	Answer        string
	ClientElapsed *time.Duration
	// ConnectionID, when set, must be the player's current connection.
	ConnectionID string
}

// ScoreDelta is what one accepted submission changed.
type ScoreDelta struct {
	PlayerID    string               `json:"player_id"`
	QuestionID  uuid.UUID            `json:"question_id"`
	IsCorrect   bool                 `json:"is_correct"`
	Points      int                  `json:"points"`
	Damage      int                  `json:"damage"`
	Attack      *scoring.AttackEvent `json:"attack,omitempty"`
	Elapsed     time.Duration        `json:"elapsed"`
	HydraHealth int                  `json:"hydra_health"`
}

// CommandName is a host command.
type CommandName string

const (
	CommandStart CommandName = "start"
	CommandSkip  CommandName = "skip"
	CommandReset CommandName = "reset"
	CommandEnd   CommandName = "end"
)

// Command is a host-only administrative transition.
type Command struct {
	Name CommandName
	Args map[string]string
}
