// Package metrics holds the per-interval HTTP aggregates and the collector's
// own operational counters.
package metrics

import "time"

// Recorder captures operational events of the collector itself.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Flush metrics
	IncSnapshotEmitted(name string)
	IncSnapshotSkipped()
	ObserveFlushDuration(duration time.Duration)

	// Sink delivery metrics
	IncSinkDelivery(status string) // status: "success" or "dropped"

	// Interceptor metrics
	IncInstrumentationError()

	// Relay metrics
	IncRelayMessage(status string) // status: "success", "failed" or "dead_lettered"
	ObserveRelayBatch(size int, duration time.Duration)
}

// Snapshotter exposes a snapshot of current operational metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
