// Package outbox stores battle domain events in battle_outbox and relays
// them to JetStream.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/outbox/worker"
)

var ErrInvalidPayload = errors.New("invalid outbox payload")

// OutboxRepository defines what the app layer needs from the repository
type OutboxRepository interface {
	InsertOutboxEvent(ctx context.Context, event worker.OutboxEvent) error
	FetchUnsentOutbox(ctx context.Context, limit int) ([]worker.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (*worker.OutboxEvent, error)
	CountPendingOutbox(ctx context.Context) (int, error)
}

// Metadata is stored next to every event.
type Metadata struct {
	Instance   string    `json:"instance"`
	OccurredAt time.Time `json:"occurred_at"`
}

// App handles outbox business logic
type App struct {
	repo  OutboxRepository
	newID func() uuid.UUID
}

func NewApp(repo OutboxRepository) *App {
	return &App{repo: repo, newID: uuid.New}
}

// InsertEvent validates and stores one event.
func (a *App) InsertEvent(ctx context.Context, roomID uuid.UUID, eventType events.DomainEventType, payload []byte, meta Metadata) (uuid.UUID, error) {
	if err := validateEvent(roomID, eventType, payload); err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s event: %w", eventType, err)
	}

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal outbox metadata: %w", err)
	}

	ev := worker.OutboxEvent{
		ID:        a.newID(),
		RoomID:    roomID,
		EventType: string(eventType),
		Payload:   payload,
		Metadata:  rawMeta,
	}
	if err := a.repo.InsertOutboxEvent(ctx, ev); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert %s event: %w", eventType, err)
	}

	log.Debug().
		Str("room_id", roomID.String()).
		Str("event_type", string(eventType)).
		Str("event_id", ev.ID.String()).
		Msg("outbox event inserted")
	return ev.ID, nil
}

// InsertDomainEvent stores a registry domain event.
func (a *App) InsertDomainEvent(ctx context.Context, ev events.DomainEvent, instance string) (uuid.UUID, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	return a.InsertEvent(ctx, ev.RoomID, ev.Type, payload, Metadata{Instance: instance, OccurredAt: ev.OccurredAt.UTC()})
}

func validateEvent(roomID uuid.UUID, eventType events.DomainEventType, payload []byte) error {
	switch eventType {
	case events.DomainRoomStarted, events.DomainPhaseChanged, events.DomainAnswerRecorded, events.DomainRoomEnded:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, eventType)
	}
	if roomID == uuid.Nil {
		return fmt.Errorf("%w: missing room id", ErrInvalidPayload)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	return nil
}

func (a *App) FetchUnsentEvents(ctx context.Context, limit int) ([]worker.OutboxEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}

	evs, err := a.repo.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	if len(evs) > 0 {
		log.Debug().Int("count", len(evs)).Msg("fetched unsent outbox events")
	}
	return evs, nil
}

func (a *App) MarkEventSent(ctx context.Context, eventID uuid.UUID) error {
	if err := a.repo.MarkOutboxSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

func (a *App) GetEventByID(ctx context.Context, eventID uuid.UUID) (*worker.OutboxEvent, error) {
	ev, err := a.repo.FetchOutboxByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event by ID: %w", err)
	}
	return ev, nil
}

func (a *App) PendingCount(ctx context.Context) (int, error) {
	return a.repo.CountPendingOutbox(ctx)
}

// ProcessUnsentEvents hands one batch of unsent events to processor and
// marks the ones it accepted. It returns how many were marked sent.
func (a *App) ProcessUnsentEvents(ctx context.Context, batchSize int, processor func(worker.OutboxEvent) error) (int, error) {
	evs, err := a.FetchUnsentEvents(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	processed, failed := 0, 0
	for _, ev := range evs {
		if err := processor(ev); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.EventType).
				Msg("failed to process event")
			failed++
			continue
		}
		if err := a.MarkEventSent(ctx, ev.ID); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to mark event as sent after processing")
			failed++
			continue
		}
		processed++
	}

	if processed > 0 || failed > 0 {
		log.Info().
			Int("processed", processed).
			Int("errors", failed).
			Int("total", len(evs)).
			Msg("processed unsent events batch")
	}
	return processed, nil
}
