package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory operational counters.
type Snapshot struct {
	HTTPSnapshotsEmitted    uint64
	WorkerSnapshotsEmitted  uint64
	SnapshotsSkipped        uint64
	FlushDurationCount      uint64
	FlushDurationTotalNs    int64
	SinkDeliveriesSucceeded uint64
	SinkDeliveriesDropped   uint64
	InstrumentationErrors   uint64

	RelayMessagesSucceeded    uint64
	RelayMessagesFailed       uint64
	RelayMessagesDeadLettered uint64
	RelayBatchCount           uint64
	RelayBatchSizeTotal       uint64
	RelayBatchDurationTotalNs int64
}

// InMemoryRecorder stores operational counters in memory.
type InMemoryRecorder struct {
	httpSnapshotsEmitted    atomic.Uint64
	workerSnapshotsEmitted  atomic.Uint64
	snapshotsSkipped        atomic.Uint64
	flushDurationCount      atomic.Uint64
	flushDurationTotalNs    atomic.Int64
	sinkDeliveriesSucceeded atomic.Uint64
	sinkDeliveriesDropped   atomic.Uint64
	instrumentationErrors   atomic.Uint64

	relayMessagesSucceeded    atomic.Uint64
	relayMessagesFailed       atomic.Uint64
	relayMessagesDeadLettered atomic.Uint64
	relayBatchCount           atomic.Uint64
	relayBatchSizeTotal       atomic.Uint64
	relayBatchDurationTotalNs atomic.Int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		HTTPSnapshotsEmitted:    m.httpSnapshotsEmitted.Load(),
		WorkerSnapshotsEmitted:  m.workerSnapshotsEmitted.Load(),
		SnapshotsSkipped:        m.snapshotsSkipped.Load(),
		FlushDurationCount:      m.flushDurationCount.Load(),
		FlushDurationTotalNs:    m.flushDurationTotalNs.Load(),
		SinkDeliveriesSucceeded: m.sinkDeliveriesSucceeded.Load(),
		SinkDeliveriesDropped:   m.sinkDeliveriesDropped.Load(),
		InstrumentationErrors:   m.instrumentationErrors.Load(),

		RelayMessagesSucceeded:    m.relayMessagesSucceeded.Load(),
		RelayMessagesFailed:       m.relayMessagesFailed.Load(),
		RelayMessagesDeadLettered: m.relayMessagesDeadLettered.Load(),
		RelayBatchCount:           m.relayBatchCount.Load(),
		RelayBatchSizeTotal:       m.relayBatchSizeTotal.Load(),
		RelayBatchDurationTotalNs: m.relayBatchDurationTotalNs.Load(),
	}
}

// IncSnapshotEmitted counts a snapshot handed to the sink, split by metric name.
func (m *InMemoryRecorder) IncSnapshotEmitted(name string) {
	if name == MetricWorkers {
		m.workerSnapshotsEmitted.Add(1)
		return
	}
	m.httpSnapshotsEmitted.Add(1)
}

// IncSnapshotSkipped counts an idle interval that produced no HTTP snapshot.
func (m *InMemoryRecorder) IncSnapshotSkipped() {
	m.snapshotsSkipped.Add(1)
}

// ObserveFlushDuration records how long one tick took.
func (m *InMemoryRecorder) ObserveFlushDuration(duration time.Duration) {
	m.flushDurationCount.Add(1)
	m.flushDurationTotalNs.Add(duration.Nanoseconds())
}

// IncSinkDelivery counts a delivery attempt by outcome.
func (m *InMemoryRecorder) IncSinkDelivery(status string) {
	if status == "success" {
		m.sinkDeliveriesSucceeded.Add(1)
		return
	}
	m.sinkDeliveriesDropped.Add(1)
}

// IncInstrumentationError counts an exchange whose metrics could not be applied.
func (m *InMemoryRecorder) IncInstrumentationError() {
	m.instrumentationErrors.Add(1)
}

// IncRelayMessage counts a relayed stream message by outcome.
func (m *InMemoryRecorder) IncRelayMessage(status string) {
	switch status {
	case "success":
		m.relayMessagesSucceeded.Add(1)
	case "dead_lettered":
		m.relayMessagesDeadLettered.Add(1)
	default:
		m.relayMessagesFailed.Add(1)
	}
}

// ObserveRelayBatch records one stored batch.
func (m *InMemoryRecorder) ObserveRelayBatch(size int, duration time.Duration) {
	m.relayBatchCount.Add(1)
	m.relayBatchSizeTotal.Add(uint64(size))
	m.relayBatchDurationTotalNs.Add(duration.Nanoseconds())
}
