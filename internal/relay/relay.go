// Package relay moves metric snapshots from the Redis stream into PostgreSQL.
//
// Collector processes publish snapshots with the redis sink; one or more relay
// workers read them through a consumer group and store them in batches. The
// Redis stream ID is not used as the row key: every payload already carries a
// unique snapshot ID, so replays after a crash are absorbed by the insert.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/sink"
)

const (
	// DefaultConsumerGroup is the Redis consumer group name.
	DefaultConsumerGroup = "trafficmeter_relay"

	// DefaultBatchSize is the max messages per batch.
	DefaultBatchSize = 500

	// DefaultBlockTimeout is how long to block waiting for messages.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the max store attempts per batch.
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to scan pending messages.
	DefaultClaimInterval = 10 * time.Second

	// DefaultClaimIdle is the idle time before reclaiming pending messages.
	DefaultClaimIdle = 30 * time.Second

	// DeadLetterMaxLen caps the dead-letter stream.
	DeadLetterMaxLen = 10000

	// JitterFactor is the ±fraction of jitter applied to retry delays.
	JitterFactor = 0.2

	maxBackoffShift = 10
)

// ErrAlreadyStarted is returned when Run is called twice.
var ErrAlreadyStarted = errors.New("relay worker already started")

// Store persists relayed payloads. *sink.Postgres satisfies it.
type Store interface {
	InsertPayloads(ctx context.Context, payloads ...sink.Payload) error
}

// Config tunes a Worker. Zero values take the defaults.
type Config struct {
	StreamKey     string
	Group         string
	ConsumerID    string
	BatchSize     int
	BlockTimeout  time.Duration
	MaxRetries    int
	ClaimInterval time.Duration
	ClaimIdle     time.Duration
	// RetryBackoff is the base of the exponential backoff between store attempts.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamKey == "" {
		c.StreamKey = sink.DefaultStreamKey
	}
	if c.Group == "" {
		c.Group = DefaultConsumerGroup
	}
	if c.ConsumerID == "" {
		c.ConsumerID = NewConsumerID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = DefaultClaimInterval
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = DefaultClaimIdle
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// DeadLetterKey is the stream poison messages are moved to.
func (c Config) DeadLetterKey() string {
	return c.StreamKey + ":dlq"
}

// NewConsumerID creates a stable-ish consumer ID for Redis consumer groups.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// Worker relays snapshots from the stream to the store.
type Worker struct {
	redis   *redis.Client
	store   Store
	logger  *slog.Logger
	metrics metrics.Recorder
	cfg     Config

	claimStartID string
	lastClaim    time.Time

	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewWorker creates a relay worker.
func NewWorker(client *redis.Client, store Store, cfg Config, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		redis:        client,
		store:        store,
		logger:       logger.With("component", "relay", "consumer_id", cfg.ConsumerID, "stream", cfg.StreamKey),
		metrics:      recorder,
		cfg:          cfg,
		claimStartID: "0-0",
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.logger.Info("relay worker started", "group", w.cfg.Group, "batch_size", w.cfg.BatchSize)

	for {
		w.mu.Lock()
		draining := w.draining
		w.mu.Unlock()

		if draining {
			w.logger.Info("relay worker draining, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("relay worker stopping")
			return nil
		default:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
				sleep(ctx, time.Second)
			}
		}
	}
}

// Shutdown stops the worker after its in-flight batch.
// It implements server.ShutdownFunc for integration with graceful shutdown.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		w.logger.Info("relay worker shutdown complete")
		return nil
	case <-ctx.Done():
		w.logger.Warn("relay worker shutdown timed out")
		return ctx.Err()
	}
}

func (w *Worker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, w.cfg.StreamKey, w.cfg.Group, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return err
	}
	return nil
}

// processOnce reads, stores and acknowledges a single batch.
func (w *Worker) processOnce(ctx context.Context) error {
	messages, err := w.maybeClaimPending(ctx)
	if err != nil {
		w.logger.Warn("failed to claim pending messages", "error", err)
	}

	if len(messages) == 0 {
		messages, err = w.readBatch(ctx)
		if err != nil {
			return err
		}
	}
	if len(messages) == 0 {
		return nil
	}

	payloads, messageIDs := w.parseMessages(ctx, messages)
	if len(payloads) == 0 {
		// Everything was dead-lettered; ACK so the group moves on.
		return w.ackMessages(ctx, messageIDs)
	}

	if err := w.storeWithRetry(ctx, payloads); err != nil {
		w.logger.Error("batch store failed after retries",
			"batch_size", len(payloads),
			"error", err,
		)
		// Not ACKed; the messages stay pending and are reclaimed later.
		return err
	}

	return w.ackMessages(ctx, messageIDs)
}

func (w *Worker) maybeClaimPending(ctx context.Context) ([]redis.XMessage, error) {
	if !w.lastClaim.IsZero() && time.Since(w.lastClaim) < w.cfg.ClaimInterval {
		return nil, nil
	}
	w.lastClaim = time.Now()

	messages, start, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.cfg.StreamKey,
		Group:    w.cfg.Group,
		Consumer: w.cfg.ConsumerID,
		MinIdle:  w.cfg.ClaimIdle,
		Start:    w.claimStartID,
		Count:    int64(w.cfg.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if start != "" {
		w.claimStartID = start
	}
	return messages, nil
}

func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.ConsumerID,
		Streams:  []string{w.cfg.StreamKey, ">"},
		Count:    int64(w.cfg.BatchSize),
		Block:    w.cfg.BlockTimeout,
	}).Result()

	if errors.Is(err, redis.Nil) || (err == nil && len(streams) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	return streams[0].Messages, nil
}

// parseMessages decodes messages; poison messages are dead-lettered.
// All message IDs are returned so the batch can be acknowledged as a whole.
func (w *Worker) parseMessages(ctx context.Context, messages []redis.XMessage) ([]sink.Payload, []string) {
	payloads := make([]sink.Payload, 0, len(messages))
	messageIDs := make([]string, 0, len(messages))

	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)

		p, reason, err := decodeMessage(msg)
		if err != nil {
			w.deadLetterMessage(ctx, msg, reason, err.Error())
			continue
		}
		payloads = append(payloads, p)
	}

	return payloads, messageIDs
}

// decodeMessage extracts and validates the payload of one stream entry.
// On failure it returns the dead-letter reason.
func decodeMessage(msg redis.XMessage) (sink.Payload, string, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return sink.Payload{}, "invalid_format", errors.New("payload field missing or not a string")
	}

	var p sink.Payload
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return sink.Payload{}, "unmarshal_error", err
	}
	if err := sink.ValidatePayload(p); err != nil {
		return sink.Payload{}, "validation_error", err
	}
	return p, "", nil
}

func (w *Worker) deadLetterMessage(ctx context.Context, msg redis.XMessage, reason, detail string) {
	w.logger.Warn("dead-lettering poison message",
		"message_id", msg.ID,
		"reason", reason,
		"detail", detail,
	)

	_, err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: w.cfg.DeadLetterKey(),
		MaxLen: DeadLetterMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      msg.ID,
			"original_stream":  w.cfg.StreamKey,
			"reason":           reason,
			"detail":           detail,
			"payload":          msg.Values["payload"],
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		w.logger.Error("failed to write to dead-letter stream",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.metrics.IncRelayMessage("dead_lettered")
}

// storeWithRetry stores a batch with exponential backoff between attempts.
func (w *Worker) storeWithRetry(ctx context.Context, payloads []sink.Payload) error {
	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		start := time.Now()
		err := w.store.InsertPayloads(ctx, payloads...)
		if err == nil {
			w.metrics.ObserveRelayBatch(len(payloads), time.Since(start))
			for range payloads {
				w.metrics.IncRelayMessage("success")
			}
			w.logger.Debug("batch stored",
				"batch_size", len(payloads),
				"duration_ms", float64(time.Since(start).Microseconds())/1000,
			)
			return nil
		}

		lastErr = err
		if attempt == w.cfg.MaxRetries {
			break
		}
		backoff := retryDelay(w.cfg.RetryBackoff, attempt)
		w.logger.Warn("batch store failed, retrying",
			"attempt", attempt,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}

	for range payloads {
		w.metrics.IncRelayMessage("failed")
	}
	return lastErr
}

func (w *Worker) ackMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := w.redis.XAck(ctx, w.cfg.StreamKey, w.cfg.Group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// retryDelay doubles base per attempt (1-indexed) and applies ±JitterFactor,
// so workers that failed together do not retry together.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffShift+1 {
		attempt = maxBackoffShift + 1
	}

	d := base * time.Duration(1<<(attempt-1))
	jitterRange := float64(d) * JitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// isConsumerGroupExistsError checks if the error is "BUSYGROUP" (group exists).
func isConsumerGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
