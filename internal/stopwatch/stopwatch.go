// Package stopwatch measures elapsed time for a single HTTP exchange.
package stopwatch

import (
	"errors"
	"time"
)

// ErrNotStarted is returned when End is called on a handle that was never started.
var ErrNotStarted = errors.New("stopwatch handle not started")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Stopwatch hands out independent handles. It holds no per-handle state,
// so any number of handles may be running at once.
type Stopwatch struct {
	clock Clock
}

// New returns a Stopwatch backed by the monotonic system clock.
func New() *Stopwatch {
	return &Stopwatch{clock: systemClock{}}
}

// NewWithClock returns a Stopwatch that reads time from clock.
func NewWithClock(clock Clock) *Stopwatch {
	if clock == nil {
		clock = systemClock{}
	}
	return &Stopwatch{clock: clock}
}

// Start captures the current time into a new handle.
func (s *Stopwatch) Start() Handle {
	return Handle{start: s.clock.Now(), clock: s.clock}
}

// Handle is the start point of one measurement.
type Handle struct {
	start time.Time
	clock Clock
}

// End returns the elapsed time since Start in milliseconds.
func (h Handle) End() (float64, error) {
	if h.clock == nil || h.start.IsZero() {
		return 0, ErrNotStarted
	}
	elapsed := h.clock.Now().Sub(h.start)
	if elapsed < 0 {
		elapsed = 0
	}
	return float64(elapsed) / float64(time.Millisecond), nil
}

// StartedAt returns the time the handle was started.
func (h Handle) StartedAt() time.Time {
	return h.start
}
