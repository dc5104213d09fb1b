// Package interceptor observes every request/response pair and folds each
// completed exchange into the collector's live interval.
//
// The interceptor never alters the request, the response or the handler's
// behavior. Failures while recording are logged and counted; they are never
// surfaced to the client.
package interceptor

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/stopwatch"
)

// RequestIDHeader is read to correlate instrumentation errors with a request.
const RequestIDHeader = "X-Request-ID"

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithStopwatch replaces the stopwatch used to time exchanges.
func WithStopwatch(sw *stopwatch.Stopwatch) Option {
	return func(i *Interceptor) {
		if sw != nil {
			i.stopwatch = sw
		}
	}
}

// WithRecorder sets the recorder that counts instrumentation errors.
func WithRecorder(r metrics.Recorder) Option {
	return func(i *Interceptor) {
		if r != nil {
			i.metrics = r
		}
	}
}

// WithClock sets the source of completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		if now != nil {
			i.now = now
		}
	}
}

// Interceptor drives one stopwatch per exchange and records it on completion.
type Interceptor struct {
	collector *metrics.Collector
	stopwatch *stopwatch.Stopwatch
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// New creates an Interceptor recording into collector.
func New(collector *metrics.Collector, logger *slog.Logger, opts ...Option) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Interceptor{
		collector: collector,
		stopwatch: stopwatch.New(),
		logger:    logger.With("component", "interceptor"),
		metrics:   metrics.NewNoop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Wrap returns middleware that instruments every request passing through next.
func (i *Interceptor) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex, rw := i.Begin(w, r)

		defer func() {
			if rvr := recover(); rvr != nil {
				// Re-raising loses the handler's frames, so log them first.
				if rvr != http.ErrAbortHandler {
					i.logger.Error("handler panicked",
						slog.String("request_id", r.Header.Get(RequestIDHeader)),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.Any("panic", rvr),
						slog.String("stack", string(debug.Stack())),
					)
				}
				ex.abort()
				panic(rvr)
			}
		}()

		next.ServeHTTP(rw, r)
		ex.Complete()
	})
}

// Begin starts tracking one exchange. The returned writer must be used for
// the response so the final status can be observed. It exposes the same
// optional interfaces (Flusher, Hijacker, Pusher, ReaderFrom) as w.
func (i *Interceptor) Begin(w http.ResponseWriter, r *http.Request) (*Exchange, http.ResponseWriter) {
	rw := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	return &Exchange{
		ic:    i,
		req:   r,
		rw:    rw,
		watch: i.stopwatch.Start(),
	}, rw
}

// Exchange is the transient state of one request/response pair.
type Exchange struct {
	ic        *Interceptor
	req       *http.Request
	rw        chimiddleware.WrapResponseWriter
	watch     stopwatch.Handle
	completed atomic.Bool
}

// Complete records the exchange. Only the first call has any effect; it
// reports whether this call was the one that recorded.
func (e *Exchange) Complete() bool {
	if !e.completed.CompareAndSwap(false, true) {
		return false
	}
	e.ic.record(e, false)
	return true
}

// abort records an exchange whose handler panicked.
func (e *Exchange) abort() bool {
	if !e.completed.CompareAndSwap(false, true) {
		return false
	}
	e.ic.record(e, true)
	return true
}

func (i *Interceptor) record(e *Exchange, aborted bool) {
	defer func() {
		if rvr := recover(); rvr != nil {
			i.reportError(e.req, fmt.Errorf("panic while recording exchange: %v", rvr))
		}
	}()

	elapsed, err := e.watch.End()
	if err != nil {
		i.reportError(e.req, fmt.Errorf("stopwatch: %w", err))
		return
	}

	// Status is 0 until a final (non-1xx) status is written.
	status := e.rw.Status()
	if status == 0 {
		status = http.StatusOK
		if aborted {
			status = http.StatusInternalServerError
		}
	}

	i.collector.Record(metrics.Observation{
		DurationMs:    elapsed,
		CompletedAt:   i.now(),
		ResponseBytes: metrics.ParseSize(e.rw.Header().Get("Content-Length")),
		RequestBytes:  requestSize(e.req),
		Marks:         Classify(status),
	})
}

func (i *Interceptor) reportError(r *http.Request, err error) {
	i.metrics.IncInstrumentationError()

	requestID := ""
	method, path := "", ""
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
		method = r.Method
		if r.URL != nil {
			path = r.URL.Path
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	i.logger.Error("failed to record exchange",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
		slog.Any("error", err),
	)
}

// requestSize returns the advertised request body size.
// net/http moves Content-Length from the header map into r.ContentLength.
func requestSize(r *http.Request) int64 {
	if r.ContentLength >= 0 {
		return r.ContentLength
	}
	return metrics.ParseSize(r.Header.Get("Content-Length"))
}

// Classify maps a final status code to the class counters it marks.
// 4xx and 5xx also mark the error counter; codes below 300 mark nothing.
func Classify(status int) []string {
	switch {
	case status >= 500:
		return []string{metrics.CounterErrors, metrics.Counter5xx}
	case status >= 400:
		return []string{metrics.CounterErrors, metrics.Counter4xx}
	case status >= 300:
		return []string{metrics.Counter3xx}
	default:
		return nil
	}
}
