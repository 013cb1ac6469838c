package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbound is the envelope of every server-to-client message.
type Outbound struct {
	ID        string          `json:"id"`
	RoomID    uuid.UUID       `json:"room_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of an outbound event
type EventType string

const (
	EventTypeState        EventType = "state"
	EventTypeJoined       EventType = "joined"
	EventTypeAnswerResult EventType = "answer_result"
	EventTypeError        EventType = "error"
)

// NewOutbound marshals data into a new envelope.
func NewOutbound(roomID uuid.UUID, eventType EventType, data any, now time.Time) (Outbound, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Outbound{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Outbound{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: now,
		Data:      raw,
	}, nil
}

// JoinedPayload acknowledges a join to the joining connection only.
type JoinedPayload struct {
	RoomID       string `json:"roomId"`
	PlayerID     string `json:"playerId"`
	JoinCode     string `json:"joinCode,omitempty"`
	ConnectionID string `json:"connectionId"`
}

// AnswerResultPayload tells one player how their answer scored.
type AnswerResultPayload struct {
	QuestionID  string `json:"questionId"`
	IsCorrect   bool   `json:"isCorrect"`
	Points      int    `json:"points"`
	Damage      int    `json:"damage"`
	HydraHealth int    `json:"hydraHealth"`
}

// ErrorPayload carries a typed rejection back to the caller.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
