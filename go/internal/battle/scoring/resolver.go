// Package scoring resolves a single answer submission into points and damage.
package scoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/hydraquiz/battle/go/internal/models"
)

// Submission is one player's answer to the active question.
type Submission struct {
	PlayerID string
	Class    models.PlayerClass
	Answer   string
	// Elapsed is the time between question start and the answer.
	Elapsed time.Duration
	// Window is the full answer window of the question.
	Window time.Duration
}

// AttackEvent is produced for correct answers only.
type AttackEvent struct {
	PlayerID string                `json:"player_id"`
	Type     models.AttackCategory `json:"type"`
	Damage   int                   `json:"damage"`
}

// Result is the outcome of resolving a submission.
type Result struct {
	IsCorrect bool
	Points    int
	Attack    *AttackEvent
}

// Resolve scores sub against q.
func Resolve(q models.Question, sub Submission, rules Rules) Result {
	if !Matches(q, sub.Answer) {
		return Result{}
	}

	points := rules.BasePoints + SpeedBonus(sub.Elapsed, sub.Window, rules.MaxSpeedBonus)
	if points < 0 {
		points = 0
	}

	return Result{
		IsCorrect: true,
		Points:    points,
		Attack: &AttackEvent{
			PlayerID: sub.PlayerID,
			Type:     q.Category,
			Damage:   rules.Damage(sub.Class),
		},
	}
}

// SpeedBonus decays linearly from max at zero elapsed to zero at the end of
// the window.
func SpeedBonus(elapsed, window time.Duration, max int) int {
	if window <= 0 || max <= 0 {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= window {
		return 0
	}
	remaining := window - elapsed
	return int(int64(max) * int64(remaining) / int64(window))
}

// Matches reports whether answer selects the correct option. Option text is
// compared case-insensitively first; a bare zero-based index is accepted
// otherwise.
func Matches(q models.Question, answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}
	for i, opt := range q.Options {
		if strings.EqualFold(strings.TrimSpace(opt), answer) {
			return i == q.CorrectIndex
		}
	}
	idx, err := strconv.Atoi(answer)
	if err != nil {
		return false
	}
	return idx == q.CorrectIndex && idx >= 0 && idx < len(q.Options)
}
