package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
)

// DefaultTimeout bounds a single remote delivery.
const DefaultTimeout = 2 * time.Second

// Options configures a remote sink.
type Options struct {
	Logger   *slog.Logger
	Recorder metrics.Recorder
	// Instance identifies this process in every payload.
	Instance string
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Recorder == nil {
		o.Recorder = metrics.NewNoop()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type deliverFunc func(ctx context.Context, s Snapshot) error

// asyncDelivery runs each delivery on its own goroutine so Accept never blocks.
// Failures are logged and counted, never retried.
type asyncDelivery struct {
	deliver deliverFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func newAsyncDelivery(deliver deliverFunc, opts Options) *asyncDelivery {
	return &asyncDelivery{
		deliver: deliver,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Recorder,
	}
}

func (a *asyncDelivery) send(s Snapshot) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.logger.Warn("dropping metrics snapshot",
			"id", s.ID(),
			"name", s.Name(),
			"error", ErrClosed,
		)
		a.metrics.IncSinkDelivery("dropped")
		return
	}
	a.wg.Add(1)
	a.mu.RUnlock()

	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.deliver(ctx, s); err != nil {
			a.logger.Warn("failed to deliver metrics snapshot",
				"id", s.ID(),
				"name", s.Name(),
				"error", err,
			)
			a.metrics.IncSinkDelivery("dropped")
			return
		}

		a.logger.Debug("metrics snapshot delivered",
			"id", s.ID(),
			"name", s.Name(),
		)
		a.metrics.IncSinkDelivery("success")
	}()
}

// close rejects new snapshots and waits for in-flight deliveries.
func (a *asyncDelivery) close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
