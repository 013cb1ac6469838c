package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/outbox/worker"
)

const NotifyChannel = "battle_outbox_events"

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // channel the insert trigger notifies
	FallbackInterval time.Duration // poll for events whose notification was missed
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

type notifier interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Listener relays outbox rows to a publisher as soon as the insert trigger
// notifies, with a periodic sweep for anything missed while disconnected.
type Listener struct {
	app       *App
	notes     notifier
	publisher worker.EventPublisher
	cfg       ListenerConfig

	mu      sync.Mutex
	running bool

	processed atomic.Uint64
	lastEvent atomic.Int64
}

func NewListener(app *App, publisher worker.EventPublisher, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener connection event")
			}
			if ev == pq.ListenerEventReconnected {
				log.Info().Msg("outbox listener reconnected")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for outbox notifications")
	return newListener(app, l, publisher, cfg), nil
}

func newListener(app *App, notes notifier, publisher worker.EventPublisher, cfg ListenerConfig) *Listener {
	return &Listener{app: app, notes: notes, publisher: publisher, cfg: cfg}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("outbox listener already running")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("outbox listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	// Catch up on anything inserted while no relay was running.
	l.processUnsent(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox listener shutting down")
			return l.notes.Close()
		case note := <-l.notes.NotificationChannel():
			if note == nil {
				// connection was re-established; notifications may have been lost
				l.processUnsent(ctx)
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle outbox notification")
			}
		case <-fallbackTicker.C:
			l.processUnsent(ctx)
		case <-pingTicker.C:
			if err := l.notes.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping outbox listener")
			}
		}
	}
}

// Running reports whether Start is looping.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns the number of relayed events and the time of the last one.
func (l *Listener) Stats() (uint64, time.Time) {
	var last time.Time
	if ns := l.lastEvent.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return l.processed.Load(), last
}

func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	ev, err := l.app.GetEventByID(ctx, id)
	if err != nil {
		return err
	}
	if ev.SentAt != nil {
		return nil
	}

	if err := l.publishWithRetry(ctx, *ev); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if err := l.app.MarkEventSent(ctx, id); err != nil {
		return err
	}
	l.recordRelay()
	return nil
}

func (l *Listener) processUnsent(ctx context.Context) {
	n, err := l.app.ProcessUnsentEvents(ctx, l.cfg.BatchSize, func(ev worker.OutboxEvent) error {
		return l.publishWithRetry(ctx, ev)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to process unsent outbox events")
		return
	}
	for i := 0; i < n; i++ {
		l.recordRelay()
	}
}

func (l *Listener) recordRelay() {
	l.processed.Add(1)
	l.lastEvent.Store(time.Now().UnixNano())
}

func (l *Listener) publishWithRetry(ctx context.Context, event worker.OutboxEvent) error {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := l.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}
	return fmt.Errorf("publish failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
