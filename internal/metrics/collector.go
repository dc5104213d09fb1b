package metrics

import (
	"sync"
	"time"
)

// Collector owns the single live IntervalState.
//
// Record and Swap are serialized by one mutex, so a completed exchange is
// applied either wholly before or wholly after a flush, never across it.
type Collector struct {
	mu    sync.Mutex
	state *IntervalState
	now   func() time.Time
}

// NewCollector returns a collector with an empty interval.
func NewCollector() *Collector {
	return &Collector{
		state: NewIntervalState(time.Now()),
		now:   time.Now,
	}
}

// Record applies one completed exchange to the live interval.
func (c *Collector) Record(o Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Apply(o)
}

// Swap installs a fresh interval and returns the previous one.
// The returned state is no longer reachable by writers.
func (c *Collector) Swap() *IntervalState {
	next := NewIntervalState(c.now())

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	return prev
}

// Current returns the values of the live interval without resetting it.
func (c *Collector) Current() IntervalSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}
