package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
)

// DomainEventWriter persists a domain event.
type DomainEventWriter interface {
	InsertDomainEvent(ctx context.Context, ev events.DomainEvent, instance string) (uuid.UUID, error)
}

type SinkConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:   1024,
		WriteTimeout: 2 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// Sink buffers registry domain events and writes them to the outbox from a
// single goroutine. Emit never blocks; a full buffer drops the event.
type Sink struct {
	writer   DomainEventWriter
	instance string
	cfg      SinkConfig
	ch       chan events.DomainEvent

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewSink(writer DomainEventWriter, instance string, cfg SinkConfig) *Sink {
	return &Sink{
		writer:   writer,
		instance: instance,
		cfg:      cfg,
		ch:       make(chan events.DomainEvent, cfg.BufferSize),
	}
}

func (s *Sink) Emit(ev events.DomainEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		log.Warn().
			Str("room_id", ev.RoomID.String()).
			Str("event_type", string(ev.Type)).
			Msg("outbox sink full, dropping event")
	}
}

// Run writes buffered events until ctx is cancelled, then drains what is
// left within DrainTimeout.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.ch:
			s.write(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-s.ch:
			s.write(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			log.Warn().Int("remaining", len(s.ch)).Msg("outbox sink drain timed out")
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, ev events.DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if _, err := s.writer.InsertDomainEvent(ctx, ev, s.instance); err != nil {
		s.failed.Add(1)
		log.Error().
			Err(err).
			Str("room_id", ev.RoomID.String()).
			Str("event_type", string(ev.Type)).
			Msg("failed to write outbox event")
		return
	}
	s.written.Add(1)
}

type SinkStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.ch),
	}
}
