// Package flusher periodically turns the live interval into metric snapshots
// and hands them to a sink.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/sink"
)

var (
	// ErrInvalidInterval is returned when the flush interval is not positive.
	ErrInvalidInterval = errors.New("flush interval must be positive")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("flusher already started")
)

// State is the flusher's current activity.
type State int32

const (
	StateIdle State = iota
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// WorkerCounter reports how many worker processes are known.
// Zero or negative means unknown.
type WorkerCounter interface {
	NumWorkers() int
}

// StaticWorkers is a fixed worker count.
type StaticWorkers int

// NumWorkers returns n.
func (n StaticWorkers) NumWorkers() int { return int(n) }

// Config configures a Flusher.
type Config struct {
	Interval time.Duration
	// ReportingInstance enables the worker-count snapshot on this process.
	ReportingInstance bool
	Workers           WorkerCounter
}

// Option configures optional Flusher dependencies.
type Option func(*Flusher)

// WithRecorder sets the operational metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *Flusher) {
		if r != nil {
			f.metrics = r
		}
	}
}

// WithClock sets the source of snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Flusher) {
		if now != nil {
			f.now = now
		}
	}
}

// Flusher snapshots and resets the collector's interval on a fixed timer.
type Flusher struct {
	collector *metrics.Collector
	sink      sink.Sink
	logger    *slog.Logger
	metrics   metrics.Recorder
	interval  time.Duration
	reporting bool
	workers   WorkerCounter
	now       func() time.Time

	state atomic.Int32

	// tickMu serializes ticks so the final flush on shutdown never overlaps a timer tick.
	tickMu sync.Mutex

	finalFlush sync.Once

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// New creates a Flusher. It fails fast on a non-positive interval.
func New(cfg Config, collector *metrics.Collector, s sink.Sink, logger *slog.Logger, opts ...Option) (*Flusher, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidInterval, cfg.Interval)
	}
	if collector == nil {
		return nil, errors.New("flusher requires a collector")
	}
	if s == nil {
		return nil, errors.New("flusher requires a sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers == nil {
		workers = StaticWorkers(0)
	}

	f := &Flusher{
		collector: collector,
		sink:      s,
		logger:    logger.With("component", "flusher"),
		metrics:   metrics.NewNoop(),
		interval:  cfg.Interval,
		reporting: cfg.ReportingInstance,
		workers:   workers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run ticks every interval until ctx is cancelled or Shutdown is called.
func (f *Flusher) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	f.started = true
	f.done = make(chan struct{})
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("flusher started",
		"interval", f.interval,
		"reporting_instance", f.reporting,
	)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("flusher stopping")
			return nil
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Shutdown stops the timer and flushes the last partial interval.
// Only the first call flushes; later calls just wait for Run to exit.
// It implements server.ShutdownFunc for integration with graceful shutdown.
func (f *Flusher) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			f.logger.Warn("flusher shutdown timed out")
			return ctx.Err()
		}
	}

	f.finalFlush.Do(func() {
		f.Tick()
		f.logger.Info("flusher shutdown complete")
	})
	return nil
}

// State reports whether a tick is in progress.
func (f *Flusher) State() State {
	return State(f.state.Load())
}

// Tick performs one flush and returns the snapshots handed to the sink.
func (f *Flusher) Tick() []sink.Snapshot {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	f.state.Store(int32(StateFlushing))
	defer f.state.Store(int32(StateIdle))

	start := time.Now()
	now := f.now()

	prev := f.collector.Swap()
	values := prev.Snapshot()
	prev.Reset()

	var emitted []sink.Snapshot

	if values.HasTraffic() {
		snap := sink.NewSnapshot(newID(now), metrics.MetricHTTP, now, values.Values()).
			WithPercentiles(sink.Percentiles{
				P50: values.Latency.P50,
				P95: values.Latency.P95,
				P99: values.Latency.P99,
			})
		emitted = append(emitted, f.emit(snap))
	} else {
		f.metrics.IncSnapshotSkipped()
		f.logger.Debug("idle interval, no http snapshot")
	}

	if f.reporting {
		n := f.workers.NumWorkers()
		if n < 1 {
			n = 1
		}
		snap := sink.NewSnapshot(newID(now), metrics.MetricWorkers, now, []int64{int64(n)})
		emitted = append(emitted, f.emit(snap))
	}

	f.metrics.ObserveFlushDuration(time.Since(start))
	return emitted
}

func (f *Flusher) emit(s sink.Snapshot) sink.Snapshot {
	f.sink.Accept(s)
	f.metrics.IncSnapshotEmitted(s.Name())
	f.logger.Debug("snapshot emitted",
		"id", s.ID(),
		"name", s.Name(),
		"values", s.Len(),
	)
	return s
}

func newID(ts time.Time) string {
	return ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()
}
