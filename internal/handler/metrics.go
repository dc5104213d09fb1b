package handler

import (
	"fmt"
	"net/http"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
)

// MetricsHandler exposes the collector's own operational counters and the
// live interval.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
	collector   *metrics.Collector
}

// NewMetricsHandler creates a new MetricsHandler. collector may be nil.
func NewMetricsHandler(snapshotter metrics.Snapshotter, collector *metrics.Collector) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter, collector: collector}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "trafficmeter_snapshots_emitted_total{name=\"%s\"} %d\n", metrics.MetricHTTP, snap.HTTPSnapshotsEmitted)
	writeMetric(w, "trafficmeter_snapshots_emitted_total{name=\"%s\"} %d\n", metrics.MetricWorkers, snap.WorkerSnapshotsEmitted)
	writeMetric(w, "trafficmeter_snapshots_skipped_total %d\n", snap.SnapshotsSkipped)

	writeMetric(w, "trafficmeter_flush_duration_seconds_count %d\n", snap.FlushDurationCount)
	writeMetric(w, "trafficmeter_flush_duration_seconds_sum %.6f\n", float64(snap.FlushDurationTotalNs)/1e9)

	writeMetric(w, "trafficmeter_sink_deliveries_total{status=\"success\"} %d\n", snap.SinkDeliveriesSucceeded)
	writeMetric(w, "trafficmeter_sink_deliveries_total{status=\"dropped\"} %d\n", snap.SinkDeliveriesDropped)

	writeMetric(w, "trafficmeter_instrumentation_errors_total %d\n", snap.InstrumentationErrors)

	writeMetric(w, "trafficmeter_relay_messages_total{status=\"success\"} %d\n", snap.RelayMessagesSucceeded)
	writeMetric(w, "trafficmeter_relay_messages_total{status=\"failed\"} %d\n", snap.RelayMessagesFailed)
	writeMetric(w, "trafficmeter_relay_messages_total{status=\"dead_lettered\"} %d\n", snap.RelayMessagesDeadLettered)
	writeMetric(w, "trafficmeter_relay_batches_total %d\n", snap.RelayBatchCount)
	writeMetric(w, "trafficmeter_relay_batch_duration_seconds_sum %.6f\n", float64(snap.RelayBatchDurationTotalNs)/1e9)

	if h.collector == nil {
		return
	}

	cur := h.collector.Current()
	writeMetric(w, "trafficmeter_interval_requests %d\n", cur.Requests)
	writeMetric(w, "trafficmeter_interval_errors %d\n", cur.Errors)
	writeMetric(w, "trafficmeter_interval_responses{class=\"3xx\"} %d\n", cur.Status3xx)
	writeMetric(w, "trafficmeter_interval_responses{class=\"4xx\"} %d\n", cur.Status4xx)
	writeMetric(w, "trafficmeter_interval_responses{class=\"5xx\"} %d\n", cur.Status5xx)
	writeMetric(w, "trafficmeter_interval_request_bytes %d\n", cur.RequestBytes)
	writeMetric(w, "trafficmeter_interval_response_bytes %d\n", cur.ResponseBytes)
	writeMetric(w, "trafficmeter_interval_latency_seconds{quantile=\"0.5\"} %.6f\n", float64(cur.Latency.P50)/1e6)
	writeMetric(w, "trafficmeter_interval_latency_seconds{quantile=\"0.95\"} %.6f\n", float64(cur.Latency.P95)/1e6)
	writeMetric(w, "trafficmeter_interval_latency_seconds{quantile=\"0.99\"} %.6f\n", float64(cur.Latency.P99)/1e6)
	writeMetric(w, "trafficmeter_interval_latency_seconds_count %d\n", cur.Latency.Count)
	writeMetric(w, "trafficmeter_interval_latency_seconds_sum %.6f\n", float64(cur.Latency.Sum)/1e6)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
