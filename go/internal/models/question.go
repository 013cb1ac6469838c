package models

import (
	"time"

	"github.com/google/uuid"
)

// AttackCategory is the kind of attack a correct answer launches.
type AttackCategory string

const (
	AttackCategoryPhysical AttackCategory = "physical"
	AttackCategoryArcane   AttackCategory = "arcane"
	AttackCategoryFire     AttackCategory = "fire"
	AttackCategoryFrost    AttackCategory = "frost"
)

// Question is immutable once drawn for a room.
type Question struct {
	ID           uuid.UUID      `json:"id"`
	Prompt       string         `json:"prompt"`
	Options      []string       `json:"options"`
	CorrectIndex int            `json:"correct_index"`
	Category     AttackCategory `json:"category"`
	TimeLimitSec int            `json:"time_limit_sec"`
}

// TimeLimit returns the question's own limit, falling back to def when unset.
func (q Question) TimeLimit(def time.Duration) time.Duration {
	if q.TimeLimitSec <= 0 {
		return def
	}
	return time.Duration(q.TimeLimitSec) * time.Second
}

// CorrectOption returns the text of the correct option.
func (q Question) CorrectOption() string {
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return ""
	}
	return q.Options[q.CorrectIndex]
}

// Clone returns a copy that shares no memory with q.
func (q Question) Clone() Question {
	c := q
	c.Options = append([]string(nil), q.Options...)
	return c
}
