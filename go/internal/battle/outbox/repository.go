package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/hydraquiz/battle/go/internal/battle/outbox/worker"
	"github.com/hydraquiz/battle/go/internal/sqlutil"
)

var ErrEventNotFound = errors.New("outbox event not found")

// Repository reads and writes battle_outbox through database/sql. The
// server opens it with the lib/pq driver, which the listener also uses.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertOutboxEvent(ctx context.Context, event worker.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO battle_outbox (id, room_id, event_type, payload, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.RoomID, event.EventType, []byte(event.Payload), sqlutil.ToNullRawMessage(event.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", event.EventType, err)
	}
	return nil
}

const outboxColumns = `id, room_id, event_type, payload, metadata, created_at, sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEvent(row rowScanner) (worker.OutboxEvent, error) {
	var (
		ev       worker.OutboxEvent
		payload  []byte
		metadata pqtype.NullRawMessage
		sentAt   sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.RoomID, &ev.EventType, &payload, &metadata, &ev.CreatedAt, &sentAt); err != nil {
		return worker.OutboxEvent{}, err
	}
	ev.Payload = payload
	ev.Metadata = sqlutil.FromNullRawMessage(metadata)
	ev.SentAt = sqlutil.FromSqlTimePtr(sentAt)
	return ev, nil
}

// FetchUnsentOutbox returns the oldest unsent events.
func (r *Repository) FetchUnsentOutbox(ctx context.Context, limit int) ([]worker.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM battle_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []worker.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE battle_outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event sent: %w", err)
	}
	return nil
}

func (r *Repository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*worker.OutboxEvent, error) {
	ev, err := scanOutboxEvent(r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM battle_outbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	return &ev, nil
}

func (r *Repository) CountPendingOutbox(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM battle_outbox WHERE sent_at IS NULL`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return count, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
