package metrics

import (
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Latencies are tracked in microseconds from 1µs up to 60s with 3 significant figures.
	histogramLowest  = 1
	histogramHighest = 60_000_000
	histogramSigFigs = 3
)

// HistogramSnapshot is the read-out of a Histogram.
// With no samples every field is zero.
type HistogramSnapshot struct {
	Count int64
	Min   int64
	Max   int64
	Sum   int64
	P50   int64
	P95   int64
	P99   int64

	LastUpdate time.Time
}

// Histogram accumulates latency samples for one interval.
// Count, Min, Max and Sum are exact; percentiles come from the HDR histogram
// and are approximate. Not safe for concurrent use; Collector serializes access.
type Histogram struct {
	hdr        *hdrhistogram.Histogram
	count      int64
	min        int64
	max        int64
	sum        int64
	lastUpdate time.Time
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{
		hdr: hdrhistogram.New(histogramLowest, histogramHighest, histogramSigFigs),
	}
}

// Update inserts one sample in microseconds. Negative samples are recorded as 0.
func (h *Histogram) Update(sample int64, ts time.Time) {
	if sample < 0 {
		sample = 0
	}

	recorded := sample
	if recorded < h.hdr.LowestTrackableValue() {
		recorded = h.hdr.LowestTrackableValue()
	}
	if recorded > h.hdr.HighestTrackableValue() {
		recorded = h.hdr.HighestTrackableValue()
	}
	_ = h.hdr.RecordValue(recorded)

	if h.count == 0 || sample < h.min {
		h.min = sample
	}
	if h.count == 0 || sample > h.max {
		h.max = sample
	}
	h.count++
	h.sum += sample
	h.lastUpdate = ts
}

// Snapshot returns count, min, max, sum and percentiles over all samples since the last reset.
func (h *Histogram) Snapshot() HistogramSnapshot {
	if h.count == 0 {
		return HistogramSnapshot{}
	}
	return HistogramSnapshot{
		Count:      h.count,
		Min:        h.min,
		Max:        h.max,
		Sum:        h.sum,
		P50:        h.hdr.ValueAtQuantile(50),
		P95:        h.hdr.ValueAtQuantile(95),
		P99:        h.hdr.ValueAtQuantile(99),
		LastUpdate: h.lastUpdate,
	}
}

// Reset discards all samples.
func (h *Histogram) Reset() {
	h.hdr.Reset()
	h.count = 0
	h.min = 0
	h.max = 0
	h.sum = 0
	h.lastUpdate = time.Time{}
}

// MillisToMicros converts a millisecond duration to whole microseconds,
// rounding half away from zero.
func MillisToMicros(ms float64) int64 {
	return int64(math.Round(ms * 1000))
}
