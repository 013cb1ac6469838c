package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain event payloads persisted to the analytics outbox.

type DomainEventType string

const (
	DomainRoomStarted    DomainEventType = "RoomStarted"
	DomainPhaseChanged   DomainEventType = "PhaseChanged"
	DomainAnswerRecorded DomainEventType = "AnswerRecorded"
	DomainRoomEnded      DomainEventType = "RoomEnded"
)

// DomainEvent is emitted by the registry after a state change.
type DomainEvent struct {
	Type       DomainEventType
	RoomID     uuid.UUID
	OccurredAt time.Time
	Payload    any
}

// MarshalPayload encodes the payload for storage.
func (e DomainEvent) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// RoomStartedPayload is the payload for a RoomStarted event
type RoomStartedPayload struct {
	RoomID         string    `json:"room_id"`
	JoinCode       string    `json:"join_code"`
	Phase          string    `json:"phase"`
	HydraHealth    int       `json:"hydra_health"`
	TotalQuestions int       `json:"total_questions"`
	StartedAt      time.Time `json:"started_at"`
}

// PhaseChangedPayload is the payload for a PhaseChanged event
type PhaseChangedPayload struct {
	From           string    `json:"from"`
	To             string    `json:"to"`
	Cursor         int       `json:"cursor"`
	HydraHealth    int       `json:"hydra_health"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	PhaseEndsAt    time.Time `json:"phase_ends_at"`
}

// AnswerRecordedPayload is the payload for an AnswerRecorded event
type AnswerRecordedPayload struct {
	PlayerID    string    `json:"player_id"`
	QuestionID  string    `json:"question_id"`
	IsCorrect   bool      `json:"is_correct"`
	Points      int       `json:"points"`
	Damage      int       `json:"damage"`
	AttackType  string    `json:"attack_type,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	HydraHealth int       `json:"hydra_health"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PlayerScore is one row of the final standings.
type PlayerScore struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// RoomEndedPayload is the payload for a RoomEnded event
type RoomEndedPayload struct {
	Outcome         string        `json:"outcome"`
	HydraHealth     int           `json:"hydra_health"`
	QuestionsPlayed int           `json:"questions_played"`
	EndedAt         time.Time     `json:"ended_at"`
	Standings       []PlayerScore `json:"standings"`
}
