package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
)

var testTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestSnapshot_Immutable(t *testing.T) {
	values := []int64{1, 2, 3}
	s := NewSnapshot("id-1", metrics.MetricHTTP, testTime, values)

	values[0] = 99
	if got := s.Values()[0]; got != 1 {
		t.Errorf("Values()[0] = %d after mutating input, want 1", got)
	}

	out := s.Values()
	out[1] = 99
	if got := s.Values()[1]; got != 2 {
		t.Errorf("Values()[1] = %d after mutating output, want 2", got)
	}
}

func TestSnapshot_WithPercentilesCopies(t *testing.T) {
	base := NewSnapshot("id-1", metrics.MetricHTTP, testTime, []int64{1})
	withP := base.WithPercentiles(Percentiles{P50: 10, P95: 20, P99: 30})

	if _, ok := base.Percentiles(); ok {
		t.Error("base snapshot should not gain percentiles")
	}
	p, ok := withP.Percentiles()
	if !ok || p.P99 != 30 {
		t.Errorf("Percentiles() = %+v, %v; want P99=30, true", p, ok)
	}
}

func TestMulti_FansOut(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	var called int
	m := Multi{a, b, Func(func(Snapshot) { called++ })}

	m.Accept(NewSnapshot("id-1", metrics.MetricHTTP, testTime, []int64{1}))

	if len(a.Snapshots()) != 1 || len(b.Snapshots()) != 1 || called != 1 {
		t.Errorf("fan-out counts = %d, %d, %d; want 1, 1, 1", len(a.Snapshots()), len(b.Snapshots()), called)
	}
}

func TestMemory_ByNameAndReset(t *testing.T) {
	m := NewMemory()
	m.Accept(NewSnapshot("a", metrics.MetricHTTP, testTime, []int64{1}))
	m.Accept(NewSnapshot("b", metrics.MetricWorkers, testTime, []int64{4}))
	m.Accept(NewSnapshot("c", metrics.MetricHTTP, testTime, []int64{2}))

	if got := len(m.ByName(metrics.MetricHTTP)); got != 2 {
		t.Errorf("ByName(http) = %d snapshots, want 2", got)
	}
	if got := m.ByName(metrics.MetricWorkers); len(got) != 1 || got[0].ID() != "b" {
		t.Errorf("ByName(numWorkers) = %v, want [b]", got)
	}

	m.Reset()
	if got := len(m.Snapshots()); got != 0 {
		t.Errorf("Snapshots() after Reset = %d, want 0", got)
	}
}

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	l := NewLog(logger, "instance-1")

	l.Accept(NewSnapshot("id-1", metrics.MetricHTTP, testTime, []int64{12, 2}).
		WithPercentiles(Percentiles{P50: 5000, P95: 5000, P99: 5000}))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if entry["msg"] != "metrics snapshot" {
		t.Errorf("msg = %v, want %q", entry["msg"], "metrics snapshot")
	}
	if entry["name"] != "http" || entry["instance"] != "instance-1" {
		t.Errorf("name/instance = %v/%v", entry["name"], entry["instance"])
	}
	if entry["component"] != "sink.log" {
		t.Errorf("component = %v, want sink.log", entry["component"])
	}
	if _, ok := entry["percentiles"]; !ok {
		t.Error("percentiles group missing from log line")
	}
}

func TestNewPayload(t *testing.T) {
	s := NewSnapshot("01HZX", metrics.MetricWorkers, testTime, []int64{3})

	data, err := json.Marshal(NewPayload(s, "inst"))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	want := `{"id":"01HZX","name":"numWorkers","instance":"inst","ts":1768478400000,"value":[3]}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}
}

func TestAsyncDelivery_CountsOutcomes(t *testing.T) {
	recorder := metrics.NewInMemory()
	var mu sync.Mutex
	var delivered []string

	a := newAsyncDelivery(func(ctx context.Context, s Snapshot) error {
		if s.ID() == "bad" {
			return errors.New("boom")
		}
		mu.Lock()
		delivered = append(delivered, s.ID())
		mu.Unlock()
		return nil
	}, Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Recorder: recorder}.withDefaults())

	a.send(NewSnapshot("good", metrics.MetricHTTP, testTime, nil))
	a.send(NewSnapshot("bad", metrics.MetricHTTP, testTime, nil))

	if err := a.close(context.Background()); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	if !reflect.DeepEqual(delivered, []string{"good"}) {
		t.Errorf("delivered = %v, want [good]", delivered)
	}
	snap := recorder.Snapshot()
	if snap.SinkDeliveriesSucceeded != 1 || snap.SinkDeliveriesDropped != 1 {
		t.Errorf("succeeded/dropped = %d/%d, want 1/1", snap.SinkDeliveriesSucceeded, snap.SinkDeliveriesDropped)
	}
}

func TestAsyncDelivery_DropsAfterClose(t *testing.T) {
	recorder := metrics.NewInMemory()
	var buf bytes.Buffer
	called := false

	a := newAsyncDelivery(func(ctx context.Context, s Snapshot) error {
		called = true
		return nil
	}, Options{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Recorder: recorder}.withDefaults())

	if err := a.close(context.Background()); err != nil {
		t.Fatalf("close() error = %v", err)
	}
	a.send(NewSnapshot("late", metrics.MetricHTTP, testTime, nil))

	if called {
		t.Error("deliver called after close")
	}
	if got := recorder.Snapshot().SinkDeliveriesDropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if !strings.Contains(buf.String(), ErrClosed.Error()) {
		t.Errorf("log output %q does not mention %q", buf.String(), ErrClosed)
	}
}

func TestAsyncDelivery_CloseTimesOut(t *testing.T) {
	release := make(chan struct{})
	a := newAsyncDelivery(func(ctx context.Context, s Snapshot) error {
		<-release
		return nil
	}, Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}.withDefaults())

	a.send(NewSnapshot("slow", metrics.MetricHTTP, testTime, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("close() error = %v, want DeadlineExceeded", err)
	}
	close(release)
}
