package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/sink"
	"github.com/trafficmeter/trafficmeter/internal/testutil"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   []sink.Payload
}

func (f *fakeStore) InsertPayloads(ctx context.Context, payloads ...sink.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.stored = append(f.stored, payloads...)
	return nil
}

func validPayloadJSON(t *testing.T) string {
	t.Helper()
	s := sink.NewSnapshot("01HTTP", metrics.MetricHTTP, time.Now(), []int64{1, 0, 0, 0, 0, 0, 0, 5, 5, 5})
	data, err := json.Marshal(sink.NewPayload(s, "inst-1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestDecodeMessage(t *testing.T) {
	good := validPayloadJSON(t)

	p, reason, err := decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"payload": good}})
	if err != nil {
		t.Fatalf("decodeMessage() error = %v (%s)", err, reason)
	}
	if p.ID != "01HTTP" || p.Instance != "inst-1" || len(p.Value) != 10 {
		t.Errorf("decoded payload = %+v", p)
	}

	cases := []struct {
		name       string
		values     map[string]interface{}
		wantReason string
	}{
		{"missing_payload", map[string]interface{}{"name": "http"}, "invalid_format"},
		{"non_string_payload", map[string]interface{}{"payload": 42}, "invalid_format"},
		{"bad_json", map[string]interface{}{"payload": "{not json"}, "unmarshal_error"},
		{"unknown_field", map[string]interface{}{"payload": `{"id":"x","extra":1}`}, "unmarshal_error"},
		{"invalid_values", map[string]interface{}{"payload": `{"id":"x","name":"http","ts":1,"value":[1]}`}, "validation_error"},
	}

	for _, tc := range cases {
		_, reason, err := decodeMessage(redis.XMessage{ID: "2-0", Values: tc.values})
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if reason != tc.wantReason {
			t.Errorf("%s: reason = %q, want %q", tc.name, reason, tc.wantReason)
		}
	}
}

func TestStoreWithRetry_RecoversAfterFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	recorder := metrics.NewInMemory()
	w := NewWorker(nil, store, Config{MaxRetries: 3, RetryBackoff: time.Millisecond}, testutil.DiscardLogger(), recorder)

	payloads := []sink.Payload{{ID: "a"}, {ID: "b"}}
	if err := w.storeWithRetry(context.Background(), payloads); err != nil {
		t.Fatalf("storeWithRetry() error = %v", err)
	}

	if store.calls != 3 {
		t.Errorf("store calls = %d, want 3", store.calls)
	}
	snap := recorder.Snapshot()
	if snap.RelayMessagesSucceeded != 2 || snap.RelayBatchCount != 1 {
		t.Errorf("recorder = %+v, want 2 successes in 1 batch", snap)
	}
}

func TestStoreWithRetry_GivesUp(t *testing.T) {
	store := &fakeStore{failures: 10}
	recorder := metrics.NewInMemory()
	w := NewWorker(nil, store, Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, testutil.DiscardLogger(), recorder)

	err := w.storeWithRetry(context.Background(), []sink.Payload{{ID: "a"}})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("storeWithRetry() error = %v, want last store error", err)
	}
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2", store.calls)
	}
	if got := recorder.Snapshot().RelayMessagesFailed; got != 1 {
		t.Errorf("RelayMessagesFailed = %d, want 1", got)
	}
}

func TestStoreWithRetry_StopsOnCancel(t *testing.T) {
	store := &fakeStore{failures: 10}
	w := NewWorker(nil, store, Config{MaxRetries: 5, RetryBackoff: time.Hour}, testutil.DiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := w.storeWithRetry(ctx, []sink.Payload{{ID: "a"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("storeWithRetry() error = %v, want context.Canceled", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.StreamKey != sink.DefaultStreamKey {
		t.Errorf("StreamKey = %q, want %q", cfg.StreamKey, sink.DefaultStreamKey)
	}
	if cfg.Group != DefaultConsumerGroup || cfg.BatchSize != DefaultBatchSize || cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ConsumerID == "" {
		t.Error("expected a generated consumer ID")
	}
	if cfg.DeadLetterKey() != sink.DefaultStreamKey+":dlq" {
		t.Errorf("DeadLetterKey() = %q", cfg.DeadLetterKey())
	}
}

func TestIsConsumerGroupExistsError(t *testing.T) {
	if !isConsumerGroupExistsError(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("expected BUSYGROUP to be recognized")
	}
	if isConsumerGroupExistsError(errors.New("ERR no such key")) || isConsumerGroupExistsError(nil) {
		t.Error("unexpected match")
	}
}

func TestShutdown_NotStarted(t *testing.T) {
	w := NewWorker(nil, &fakeStore{}, Config{}, testutil.DiscardLogger(), nil)
	if err := w.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		attempt  int
		minDelay time.Duration
		maxDelay time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{3, 320 * time.Millisecond, 480 * time.Millisecond},
		{0, 80 * time.Millisecond, 120 * time.Millisecond},
		{100, 1024 * 80 * time.Millisecond, 1024 * 120 * time.Millisecond},
	}

	for _, tt := range tests {
		// Run multiple times to account for jitter
		for i := 0; i < 10; i++ {
			delay := retryDelay(base, tt.attempt)
			if delay < tt.minDelay || delay > tt.maxDelay {
				t.Errorf("retryDelay(%v, %d) = %v, want between %v and %v",
					base, tt.attempt, delay, tt.minDelay, tt.maxDelay)
			}
		}
	}
}
