package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one row of battle_outbox.
type OutboxEvent struct {
	ID        uuid.UUID
	RoomID    uuid.UUID
	EventType string
	Payload   json.RawMessage
	Metadata  json.RawMessage
	CreatedAt time.Time
	SentAt    *time.Time
}

type EventPublisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}
