package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hydraquiz/battle/go/internal/battle/outbox/worker"
)

type memoryRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]worker.OutboxEvent
	seq     int
	failIns error
	pingErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: map[uuid.UUID]worker.OutboxEvent{}}
}

func (r *memoryRepo) InsertOutboxEvent(_ context.Context, ev worker.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIns != nil {
		return r.failIns
	}
	r.seq++
	ev.CreatedAt = time.Date(2026, 3, 1, 12, 0, r.seq, 0, time.UTC)
	r.rows[ev.ID] = ev
	return nil
}

func (r *memoryRepo) FetchUnsentOutbox(_ context.Context, limit int) ([]worker.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []worker.OutboxEvent
	for _, ev := range r.rows {
		if ev.SentAt == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) MarkOutboxSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now()
	ev.SentAt = &now
	r.rows[id] = ev
	return nil
}

func (r *memoryRepo) FetchOutboxByID(_ context.Context, id uuid.UUID) (*worker.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

func (r *memoryRepo) CountPendingOutbox(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.rows {
		if ev.SentAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) Ping(context.Context) error {
	return r.pingErr
}

func (r *memoryRepo) sent(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].SentAt != nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	events   []worker.OutboxEvent
	failures int
}

var errPublish = errors.New("nats unavailable")

func (p *recordingPublisher) Publish(_ context.Context, ev worker.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errPublish
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) published() []worker.OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]worker.OutboxEvent(nil), p.events...)
}

type fakeNotifier struct {
	ch     chan *pq.Notification
	closed chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan *pq.Notification, 8), closed: make(chan struct{})}
}

func (n *fakeNotifier) NotificationChannel() <-chan *pq.Notification { return n.ch }
func (n *fakeNotifier) Ping() error                                  { return nil }
func (n *fakeNotifier) Close() error {
	close(n.closed)
	return nil
}
