package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus defines the lifecycle status of a room.
type RoomStatus string

const (
	RoomStatusWaiting RoomStatus = "waiting"
	RoomStatusRunning RoomStatus = "running"
	RoomStatusEnded   RoomStatus = "ended"
)

// RoomSettings holds JSONB configuration for rooms.
type RoomSettings struct {
	MaxPlayers           int  `json:"max_players"`
	QuestionTimeLimitSec int  `json:"question_time_limit_sec"`
	AutoStart            bool `json:"auto_start"`
}

// QuestionTimeLimit returns the per-question limit, or zero when the room
// does not override the default.
func (s RoomSettings) QuestionTimeLimit() time.Duration {
	if s.QuestionTimeLimitSec <= 0 {
		return 0
	}
	return time.Duration(s.QuestionTimeLimitSec) * time.Second
}

// Room represents one battle instance.
type Room struct {
	ID             uuid.UUID    `json:"id"`
	JoinCode       string       `json:"join_code"`
	QuestionSetID  uuid.UUID    `json:"question_set_id"`
	Status         RoomStatus   `json:"status"`
	Cursor         int          `json:"cursor"`
	HydraHealth    int          `json:"hydra_health"`
	MaxHydraHealth int          `json:"max_hydra_health"`
	Settings       RoomSettings `json:"settings"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
