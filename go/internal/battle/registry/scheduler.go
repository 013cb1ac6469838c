package registry

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run drives TickAll from one shared ticker until ctx is cancelled, then
// checkpoints and stops every room.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().
		Str("instance", r.instanceID).
		Dur("interval", r.cfg.TickInterval).
		Msg("session scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", r.instanceID).Msg("session scheduler shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CollaboratorTimeout)
			r.Shutdown(shutdownCtx)
			cancel()
			return nil
		case <-ticker.Chan():
			r.TickAll(ctx, r.clock.Now())
		}
	}
}

// TickAll ticks every live room once. Rooms are ticked concurrently; a
// failure or panic in one room is logged and never stops the others.
func (r *Registry) TickAll(ctx context.Context, now time.Time) {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	if r.cfg.MaxConcurrentTicks > 0 {
		g.SetLimit(r.cfg.MaxConcurrentTicks)
	}
	for _, rm := range rooms {
		if !rm.ticking.CompareAndSwap(false, true) {
			log.Debug().Str("room_id", rm.id.String()).Msg("room still ticking, skipping")
			continue
		}
		g.Go(func() error {
			defer rm.ticking.Store(false)
			r.tickRoom(ctx, rm, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) tickRoom(ctx context.Context, rm *room, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("room_id", rm.id.String()).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic while ticking room")
		}
	}()

	if expired := r.advance(ctx, rm, now); expired {
		r.reap(rm)
	}
}

// advance applies at most one deadline transition and reports whether the
// room's ENDED grace window has elapsed.
func (r *Registry) advance(ctx context.Context, rm *room, now time.Time) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.stopped {
		return false
	}

	from := rm.machine.Phase()
	tickCtx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	snap, err := rm.machine.Tick(tickCtx, now)
	cancel()
	if err != nil {
		log.Warn().
			Err(err).
			Str("room_id", rm.id.String()).
			Str("phase", string(from)).
			Msg("transition deferred to next tick")
	}
	if snap != nil {
		r.afterChange(ctx, rm, from, *snap, now)
	}
	return rm.machine.Expired(now)
}

func (r *Registry) reap(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
	rm.stop()

	log.Info().
		Str("room_id", rm.id.String()).
		Str("instance", r.instanceID).
		Msg("room reaped after grace window")
}
