// Package sink defines the metrics snapshot handed out at each flush and the
// transports that deliver it.
package sink

import (
	"errors"
	"time"
)

// ErrClosed is returned when a closed sink is asked to deliver.
var ErrClosed = errors.New("sink closed")

// Percentiles are approximate latency quantiles in microseconds.
type Percentiles struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}

// Snapshot is one named metric event. It is immutable once built.
type Snapshot struct {
	id          string
	name        string
	timestamp   time.Time
	values      []int64
	percentiles *Percentiles
}

// NewSnapshot builds a snapshot. values is copied.
func NewSnapshot(id, name string, ts time.Time, values []int64) Snapshot {
	return Snapshot{
		id:        id,
		name:      name,
		timestamp: ts,
		values:    append([]int64(nil), values...),
	}
}

// WithPercentiles returns a copy of s carrying latency percentiles.
func (s Snapshot) WithPercentiles(p Percentiles) Snapshot {
	s.percentiles = &p
	return s
}

// ID returns the unique snapshot identifier.
func (s Snapshot) ID() string { return s.id }

// Name returns the metric name.
func (s Snapshot) Name() string { return s.name }

// Timestamp returns the flush time.
func (s Snapshot) Timestamp() time.Time { return s.timestamp }

// Values returns a copy of the ordered metric values.
func (s Snapshot) Values() []int64 {
	return append([]int64(nil), s.values...)
}

// Len returns the number of values.
func (s Snapshot) Len() int { return len(s.values) }

// Percentiles returns the latency percentiles, if any were attached.
func (s Snapshot) Percentiles() (Percentiles, bool) {
	if s.percentiles == nil {
		return Percentiles{}, false
	}
	return *s.percentiles, true
}

// Sink accepts finished snapshots. Accept must not block the caller on
// delivery; retries and buffering belong to the implementation.
type Sink interface {
	Accept(s Snapshot)
}

// Func adapts a function to Sink.
type Func func(s Snapshot)

// Accept calls f(s).
func (f Func) Accept(s Snapshot) { f(s) }

// Multi fans a snapshot out to every sink in order.
type Multi []Sink

// Accept forwards s to each sink.
func (m Multi) Accept(s Snapshot) {
	for _, sk := range m {
		sk.Accept(s)
	}
}
