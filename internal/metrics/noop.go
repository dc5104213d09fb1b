package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncSnapshotEmitted is a no-op.
func (n *NoopRecorder) IncSnapshotEmitted(name string) {}

// IncSnapshotSkipped is a no-op.
func (n *NoopRecorder) IncSnapshotSkipped() {}

// ObserveFlushDuration is a no-op.
func (n *NoopRecorder) ObserveFlushDuration(duration time.Duration) {}

// IncSinkDelivery is a no-op.
func (n *NoopRecorder) IncSinkDelivery(status string) {}

// IncInstrumentationError is a no-op.
func (n *NoopRecorder) IncInstrumentationError() {}

// IncRelayMessage is a no-op.
func (n *NoopRecorder) IncRelayMessage(status string) {}

// ObserveRelayBatch is a no-op.
func (n *NoopRecorder) ObserveRelayBatch(size int, duration time.Duration) {}
