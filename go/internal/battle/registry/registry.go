// Package registry runs many room state machines side by side.
//
// Each room is guarded by its own mutex, so one room's mutations are totally
// ordered while different rooms progress in parallel. The registry is the
// only entry point that may touch a session.Machine.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// SessionStore loads rooms at start and persists them at phase boundaries.
type SessionStore interface {
	// LoadInitialState returns nil, nil when the room does not exist.
	LoadInitialState(ctx context.Context, roomID uuid.UUID) (*session.State, error)
	Checkpoint(ctx context.Context, roomID uuid.UUID, state session.State) error
}

// Broadcaster delivers snapshots and acknowledgements to transport
// connections. Implementations must not block.
type Broadcaster interface {
	Publish(roomID uuid.UUID, snap session.Snapshot)
	Unicast(connectionID string, event events.Outbound)
}

// EventSink receives domain events for analytics. Implementations must not
// block.
type EventSink interface {
	Emit(event events.DomainEvent)
}

// Config holds registry tuning.
type Config struct {
	TickInterval        time.Duration
	MaxConcurrentTicks  int
	CollaboratorTimeout time.Duration
	Session             session.Config
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:        250 * time.Millisecond,
		MaxConcurrentTicks:  64,
		CollaboratorTimeout: 2 * time.Second,
		Session:             session.DefaultConfig(),
	}
}

// Result is what a dispatched event produced.
type Result struct {
	Snapshot session.Snapshot
	Score    *session.ScoreDelta
}

type Registry struct {
	store       SessionStore
	questions   session.QuestionSource
	broadcaster Broadcaster
	sink        EventSink
	clock       Clock
	cfg         Config
	instanceID  string // unique ID for this registry instance

	mu    sync.RWMutex
	rooms map[uuid.UUID]*room
}

type room struct {
	id      uuid.UUID
	mu      sync.Mutex
	machine *session.Machine
	stopped bool

	// ticking prevents overlapping ticks of the same room.
	ticking atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithEventSink forwards domain events to sink.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithInstanceID overrides the generated instance id, so the transport can
// share it before the registry exists.
func WithInstanceID(id string) Option {
	return func(r *Registry) {
		if id != "" {
			r.instanceID = id
		}
	}
}

// NewInstanceID returns a short random id for a process.
func NewInstanceID() string {
	return uuid.New().String()[:8]
}

// New creates a registry with no running rooms.
func New(store SessionStore, questions session.QuestionSource, broadcaster Broadcaster, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		questions:   questions,
		broadcaster: broadcaster,
		clock:       clockwork.NewRealClock(),
		cfg:         cfg,
		instanceID:  NewInstanceID(),
		rooms:       make(map[uuid.UUID]*room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID identifies this registry in logs and cross-instance messages.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Start loads roomID from the store and runs a fresh machine for it,
// replacing any machine already running under that id.
func (r *Registry) Start(ctx context.Context, roomID uuid.UUID) (session.Snapshot, error) {
	loadCtx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	st, err := r.store.LoadInitialState(loadCtx, roomID)
	cancel()
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: load room %s: %v", session.ErrCollaboratorUnavailable, roomID, err)
	}
	if st == nil {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	now := r.clock.Now()
	machine, err := session.NewMachine(*st, r.questions, r.cfg.Session, now)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to create machine for room %s: %w", roomID, err)
	}
	rm := &room{id: roomID, machine: machine}

	r.mu.Lock()
	old := r.rooms[roomID]
	r.rooms[roomID] = rm
	r.mu.Unlock()

	if old != nil {
		old.stop()
		log.Warn().
			Str("room_id", roomID.String()).
			Str("instance", r.instanceID).
			Msg("replaced running machine")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	snap := rm.machine.Snapshot()
	r.broadcaster.Publish(roomID, snap)
	r.emit(events.DomainEvent{
		Type:       events.DomainRoomStarted,
		RoomID:     roomID,
		OccurredAt: now,
		Payload: events.RoomStartedPayload{
			RoomID:         roomID.String(),
			JoinCode:       snap.JoinCode,
			Phase:          string(snap.Phase),
			HydraHealth:    snap.HydraHealth,
			TotalQuestions: snap.TotalQuestions,
			StartedAt:      now,
		},
	})

	log.Info().
		Str("room_id", roomID.String()).
		Str("phase", string(snap.Phase)).
		Str("instance", r.instanceID).
		Msg("room started")

	return snap, nil
}

// Stop tears down the machine for roomID. It is idempotent and safe to call
// concurrently with ticks and dispatches; once it returns, nothing more is
// broadcast for the room.
func (r *Registry) Stop(roomID uuid.UUID) {
	r.mu.Lock()
	rm := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	if rm == nil {
		return
	}
	rm.stop()

	log.Info().
		Str("room_id", roomID.String()).
		Str("instance", r.instanceID).
		Msg("room stopped")
}

// Shutdown checkpoints and stops every running room.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rooms = append(rooms, rm)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.stopped {
			r.checkpoint(ctx, rm)
			rm.stopped = true
		}
		rm.mu.Unlock()
	}

	log.Info().
		Int("rooms", len(rooms)).
		Str("instance", r.instanceID).
		Msg("registry shut down")
}

// Dispatch routes an inbound event to the room's machine.
func (r *Registry) Dispatch(ctx context.Context, roomID uuid.UUID, event events.Inbound) (Result, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return Result{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.stopped {
		return Result{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	now := r.clock.Now()
	before := rm.machine.Snapshot()

	var (
		res Result
		err error
	)
	switch ev := event.(type) {
	case events.Join:
		res.Snapshot, err = rm.machine.AddPlayer(session.PlayerJoin{
			PlayerID:     ev.PlayerID,
			Name:         ev.Name,
			Class:        ev.Class,
			ConnectionID: ev.ConnectionID,
		}, now)
		if err == nil {
			r.unicast(ev.ConnectionID, roomID, events.EventTypeJoined, events.JoinedPayload{
				RoomID:       roomID.String(),
				PlayerID:     ev.PlayerID,
				JoinCode:     res.Snapshot.JoinCode,
				ConnectionID: ev.ConnectionID,
			}, now)
		}

	case events.Leave:
		res.Snapshot, err = rm.machine.RemovePlayer(ev.PlayerID, ev.ConnectionID, now)

	case events.Answer:
		var delta session.ScoreDelta
		delta, res.Snapshot, err = rm.machine.SubmitAnswer(session.Answer{
			PlayerID:      ev.PlayerID,
			QuestionID:    ev.QuestionID,
			Answer:        ev.Answer,
			ClientElapsed: clientElapsed(ev.ClientElapsedMs),
			ConnectionID:  ev.ConnectionID,
		}, now)
		if err == nil {
			res.Score = &delta
			r.recordAnswer(roomID, ev, delta, now)
		}

	case events.Command:
		cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
		res.Snapshot, err = rm.machine.ForceCommand(cmdCtx, session.Command{
			Name: session.CommandName(ev.Name),
			Args: ev.Args,
		}, now)
		cancel()
		if err == nil {
			log.Info().
				Str("room_id", roomID.String()).
				Str("command", ev.Name).
				Str("phase", string(res.Snapshot.Phase)).
				Msg("host command applied")
		}

	default:
		err = fmt.Errorf("%w: unsupported event %T", events.ErrInvalidEvent, event)
	}

	if err != nil {
		return Result{Snapshot: rm.machine.Snapshot()}, err
	}
	if res.Snapshot.Version != before.Version {
		r.afterChange(ctx, rm, before.Phase, res.Snapshot, now)
	}
	return res, nil
}

// Subscribe unicasts the current snapshot to a connection that just
// (re)subscribed to roomID.
func (r *Registry) Subscribe(roomID uuid.UUID, connectionID string) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.stopped {
		return fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	r.unicast(connectionID, roomID, events.EventTypeState, rm.machine.Snapshot(), r.clock.Now())
	return nil
}

// Snapshot returns the current snapshot of roomID.
func (r *Registry) Snapshot(roomID uuid.UUID) (session.Snapshot, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.stopped {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, roomID)
	}
	return rm.machine.Snapshot(), nil
}

// Rooms lists the ids of running rooms.
func (r *Registry) Rooms() []uuid.UUID {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *Registry) lookup(roomID uuid.UUID) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// afterChange publishes snap and, on a phase boundary, checkpoints the room
// and records the transition. Caller holds rm.mu.
func (r *Registry) afterChange(ctx context.Context, rm *room, from session.Phase, snap session.Snapshot, now time.Time) {
	r.broadcaster.Publish(rm.id, snap)
	if snap.Phase == from {
		return
	}

	r.checkpoint(ctx, rm)
	r.emit(events.DomainEvent{
		Type:       events.DomainPhaseChanged,
		RoomID:     rm.id,
		OccurredAt: now,
		Payload: events.PhaseChangedPayload{
			From:           string(from),
			To:             string(snap.Phase),
			Cursor:         snap.QuestionNumber,
			HydraHealth:    snap.HydraHealth,
			PhaseStartedAt: snap.PhaseStartsAt,
			PhaseEndsAt:    snap.PhaseEndsAt,
		},
	})

	if snap.Phase == session.PhaseEnded {
		standings := make([]events.PlayerScore, 0, len(snap.Players))
		for _, p := range snap.Players {
			standings = append(standings, events.PlayerScore{PlayerID: p.ID, Name: p.Name, Score: p.Score})
		}
		r.emit(events.DomainEvent{
			Type:       events.DomainRoomEnded,
			RoomID:     rm.id,
			OccurredAt: now,
			Payload: events.RoomEndedPayload{
				Outcome:         string(snap.Outcome),
				HydraHealth:     snap.HydraHealth,
				QuestionsPlayed: snap.QuestionNumber,
				EndedAt:         now,
				Standings:       standings,
			},
		})
		log.Info().
			Str("room_id", rm.id.String()).
			Str("outcome", string(snap.Outcome)).
			Int("hydra_health", snap.HydraHealth).
			Msg("room ended")
	}
}

func (r *Registry) checkpoint(ctx context.Context, rm *room) {
	cpCtx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	defer cancel()

	if err := r.store.Checkpoint(cpCtx, rm.id, rm.machine.State()); err != nil {
		log.Error().Err(err).Str("room_id", rm.id.String()).Msg("failed to checkpoint room")
		// Don't fail the transition, the next boundary checkpoints again
	}
}

func (r *Registry) recordAnswer(roomID uuid.UUID, ev events.Answer, delta session.ScoreDelta, now time.Time) {
	r.unicast(ev.ConnectionID, roomID, events.EventTypeAnswerResult, events.AnswerResultPayload{
		QuestionID:  delta.QuestionID.String(),
		IsCorrect:   delta.IsCorrect,
		Points:      delta.Points,
		Damage:      delta.Damage,
		HydraHealth: delta.HydraHealth,
	}, now)

	payload := events.AnswerRecordedPayload{
		PlayerID:    delta.PlayerID,
		QuestionID:  delta.QuestionID.String(),
		IsCorrect:   delta.IsCorrect,
		Points:      delta.Points,
		Damage:      delta.Damage,
		ElapsedMs:   delta.Elapsed.Milliseconds(),
		HydraHealth: delta.HydraHealth,
		SubmittedAt: now,
	}
	if delta.Attack != nil {
		payload.AttackType = string(delta.Attack.Type)
	}
	r.emit(events.DomainEvent{Type: events.DomainAnswerRecorded, RoomID: roomID, OccurredAt: now, Payload: payload})
}

func (r *Registry) unicast(connectionID string, roomID uuid.UUID, eventType events.EventType, data any, now time.Time) {
	if connectionID == "" {
		return
	}
	ev, err := events.NewOutbound(roomID, eventType, data, now)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to build unicast event")
		return
	}
	r.broadcaster.Unicast(connectionID, ev)
}

func (r *Registry) emit(ev events.DomainEvent) {
	if r.sink != nil {
		r.sink.Emit(ev)
	}
}

func (rm *room) stop() {
	rm.mu.Lock()
	rm.stopped = true
	rm.mu.Unlock()
}

func clientElapsed(ms *int64) *time.Duration {
	if ms == nil || *ms < 0 || *ms > events.MaxClientElapsedMs {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
