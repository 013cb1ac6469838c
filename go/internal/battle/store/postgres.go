// Package store persists rooms, question sets and room checkpoints.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/models"
	"github.com/hydraquiz/battle/go/internal/sqlutil"
)

var (
	ErrQuestionSetNotFound = errors.New("question set not found")
	ErrJoinCodeExhausted   = errors.New("could not allocate a unique join code")
	ErrInvalidQuestion     = errors.New("invalid question")
)

const (
	uniqueViolation   = "23505"
	foreignKeyMissing = "23503"
	joinCodeAttempts  = 5
)

// CreateRoomRequest describes a new room.
type CreateRoomRequest struct {
	QuestionSetID  uuid.UUID
	MaxHydraHealth int
	Settings       models.RoomSettings
}

// PostgresStore is the durable QuestionSource and SessionStore.
type PostgresStore struct {
	pool      *pgxpool.Pool
	joinCodes func() string
}

// NewPostgresStore wraps pool. joinCodes generates candidate room codes.
func NewPostgresStore(pool *pgxpool.Pool, joinCodes func() string) *PostgresStore {
	return &PostgresStore{pool: pool, joinCodes: joinCodes}
}

// CreateQuestionSet stores questions in order under a new set.
func (s *PostgresStore) CreateQuestionSet(ctx context.Context, name string, questions []models.Question) (uuid.UUID, error) {
	for i, q := range questions {
		if q.Prompt == "" || len(q.Options) < 2 || q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return uuid.Nil, fmt.Errorf("%w: question %d", ErrInvalidQuestion, i)
		}
	}

	setID := uuid.New()
	err := sqlutil.RunPgx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO question_sets (id, name) VALUES ($1, $2)`, setID, name); err != nil {
			return fmt.Errorf("failed to insert question set: %w", err)
		}

		batch := &pgx.Batch{}
		for i, q := range questions {
			id := q.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			category := q.Category
			if category == "" {
				category = models.AttackCategoryPhysical
			}
			batch.Queue(`
				INSERT INTO questions (id, question_set_id, position, prompt, options, correct_index, category, time_limit_sec)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, setID, i, q.Prompt, q.Options, q.CorrectIndex, string(category), q.TimeLimitSec,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert questions: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	log.Info().
		Str("question_set_id", setID.String()).
		Int("questions", len(questions)).
		Msg("question set created")
	return setID, nil
}

// CreateRoom inserts a room with a fresh join code, retrying on the rare
// code collision.
func (s *PostgresStore) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room settings: %w", err)
	}

	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO rooms (id, join_code, question_set_id, status, hydra_health, max_hydra_health, settings)
			VALUES ($1, $2, $3, $4, $5, $5, $6)
			RETURNING `+roomColumns,
			uuid.New(), s.joinCodes(), req.QuestionSetID, string(models.RoomStatusWaiting), req.MaxHydraHealth, settings,
		)
		room, err := scanRoom(row)
		if err == nil {
			log.Info().
				Str("room_id", room.ID.String()).
				Str("join_code", room.JoinCode).
				Msg("room created")
			return room, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				continue
			case foreignKeyMissing:
				return nil, fmt.Errorf("%w: %s", ErrQuestionSetNotFound, req.QuestionSetID)
			}
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return nil, ErrJoinCodeExhausted
}

const roomColumns = `id, join_code, question_set_id, status, question_cursor, hydra_health, max_hydra_health, settings, created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		room     models.Room
		status   string
		settings []byte
	)
	if err := row.Scan(
		&room.ID, &room.JoinCode, &room.QuestionSetID, &status, &room.Cursor,
		&room.HydraHealth, &room.MaxHydraHealth, &settings, &room.CreatedAt, &room.UpdatedAt,
	); err != nil {
		return nil, err
	}
	room.Status = models.RoomStatus(status)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &room.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room settings: %w", err)
		}
	}
	return &room, nil
}

// GetRoom loads a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", session.ErrRoomNotFound, id)
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// GetRoomByJoinCode resolves a shared code to its room.
func (s *PostgresStore) GetRoomByJoinCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE join_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: join code %s", session.ErrRoomNotFound, code)
		}
		return nil, fmt.Errorf("failed to get room by join code: %w", err)
	}
	return room, nil
}

// LoadInitialState returns the last checkpoint of roomID, or a fresh lobby
// state when the room never started. It returns nil, nil for unknown rooms.
func (s *PostgresStore) LoadInitialState(ctx context.Context, roomID uuid.UUID) (*session.State, error) {
	var (
		room       models.Room
		settings   []byte
		checkpoint []byte
		total      int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT r.id, r.join_code, r.question_cursor, r.hydra_health, r.max_hydra_health, r.settings, r.checkpoint,
		       (SELECT count(*) FROM questions q WHERE q.question_set_id = r.question_set_id)
		FROM rooms r
		WHERE r.id = $1`, roomID,
	).Scan(&room.ID, &room.JoinCode, &room.Cursor, &room.HydraHealth, &room.MaxHydraHealth, &settings, &checkpoint, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load room state: %w", err)
	}

	if len(checkpoint) > 0 {
		var st session.State
		if err := json.Unmarshal(checkpoint, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		st.TotalQuestions = total
		return &st, nil
	}

	if err := json.Unmarshal(settings, &room.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room settings: %w", err)
	}
	return &session.State{
		RoomID:         room.ID,
		JoinCode:       room.JoinCode,
		HydraHealth:    room.HydraHealth,
		MaxHydraHealth: room.MaxHydraHealth,
		Cursor:         room.Cursor,
		TotalQuestions: total,
		Settings:       room.Settings,
	}, nil
}

// Checkpoint persists state and the room's roster in one transaction.
func (s *PostgresStore) Checkpoint(ctx context.Context, roomID uuid.UUID, state session.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return sqlutil.RunPgx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rooms
			SET checkpoint = $2, status = $3, question_cursor = $4, hydra_health = $5, updated_at = $6
			WHERE id = $1`,
			roomID, raw, string(state.Phase.RoomStatus()), state.Cursor, state.HydraHealth, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to update room checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
		}

		if len(state.Players) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, p := range state.Players {
			batch.Queue(`
				INSERT INTO room_players (room_id, player_id, name, class, score, joined_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (room_id, player_id) DO UPDATE
				SET name = EXCLUDED.name, class = EXCLUDED.class, score = EXCLUDED.score`,
				roomID, p.ID, p.Name, string(p.Class), p.Score, p.JoinedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert room players: %w", err)
		}
		return nil
	})
}

// NextQuestion returns the question at cursor in the room's set, or nil when
// the set is exhausted.
func (s *PostgresStore) NextQuestion(ctx context.Context, roomID uuid.UUID, cursor int) (*models.Question, error) {
	var (
		q        models.Question
		category string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT q.id, q.prompt, q.options, q.correct_index, q.category, q.time_limit_sec
		FROM questions q
		JOIN rooms r ON r.question_set_id = q.question_set_id
		WHERE r.id = $1
		ORDER BY q.position
		OFFSET $2 LIMIT 1`, roomID, cursor,
	).Scan(&q.ID, &q.Prompt, &q.Options, &q.CorrectIndex, &category, &q.TimeLimitSec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch question %d: %w", cursor, err)
	}
	q.Category = models.AttackCategory(category)
	return &q, nil
}

// RoomPlayers returns the persisted roster ordered by score.
func (s *PostgresStore) RoomPlayers(ctx context.Context, roomID uuid.UUID) ([]models.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, name, class, score, joined_at
		FROM room_players
		WHERE room_id = $1
		ORDER BY score DESC, joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room players: %w", err)
	}
	defer rows.Close()

	var players []models.Player
	for rows.Next() {
		var (
			p     models.Player
			class string
		)
		if err := rows.Scan(&p.ID, &p.Name, &class, &p.Score, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room player: %w", err)
		}
		p.Class = models.PlayerClass(class)
		players = append(players, p)
	}
	return players, rows.Err()
}

// ResumableRoomIDs lists rooms that were mid-battle when last checkpointed.
func (s *PostgresStore) ResumableRoomIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM rooms
		WHERE status = $1 AND checkpoint IS NOT NULL
		ORDER BY updated_at`, string(models.RoomStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable rooms: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
