package session

import "time"

// minPhaseDuration keeps EndsAt strictly after StartedAt.
const minPhaseDuration = time.Millisecond

// Window is the absolute time span of one phase. Clients derive the
// countdown from EndsAt and their own clock.
type Window struct {
	StartedAt time.Time
	EndsAt    time.Time
}

// NewWindow returns the window starting at start and lasting d.
func NewWindow(start time.Time, d time.Duration) Window {
	if d < minPhaseDuration {
		d = minPhaseDuration
	}
	return Window{StartedAt: start, EndsAt: start.Add(d)}
}

func (w Window) Duration() time.Duration {
	return w.EndsAt.Sub(w.StartedAt)
}

// Valid reports whether EndsAt is strictly after StartedAt.
func (w Window) Valid() bool {
	return w.EndsAt.After(w.StartedAt)
}

// Due reports whether the deadline has been reached.
func (w Window) Due(now time.Time) bool {
	return !now.Before(w.EndsAt)
}

// Remaining is the time left until EndsAt, floored at zero.
func (w Window) Remaining(now time.Time) time.Duration {
	if r := w.EndsAt.Sub(now); r > 0 {
		return r
	}
	return 0
}

// Elapsed is the time since StartedAt, clamped to the window.
func (w Window) Elapsed(now time.Time) time.Duration {
	e := now.Sub(w.StartedAt)
	switch {
	case e < 0:
		return 0
	case e > w.Duration():
		return w.Duration()
	}
	return e
}
