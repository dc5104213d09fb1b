package metrics

import "time"

// Observation is the outcome of one completed exchange.
type Observation struct {
	DurationMs    float64
	CompletedAt   time.Time
	RequestBytes  int64
	ResponseBytes int64
	// Marks are the status-class counters to increment in addition to requests.
	Marks []string
}

// IntervalState is the aggregate for the current window.
type IntervalState struct {
	counters      *Counters
	latency       *Histogram
	requestBytes  Accumulator
	responseBytes Accumulator
	startedAt     time.Time
}

// NewIntervalState returns an empty interval starting at start.
func NewIntervalState(start time.Time) *IntervalState {
	return &IntervalState{
		counters:  NewCounters(),
		latency:   NewHistogram(),
		startedAt: start,
	}
}

// Apply folds one observation into the interval.
func (s *IntervalState) Apply(o Observation) {
	s.counters.Mark(CounterRequests)
	s.latency.Update(MillisToMicros(o.DurationMs), o.CompletedAt)
	s.responseBytes.Add(o.ResponseBytes)
	s.requestBytes.Add(o.RequestBytes)
	for _, name := range o.Marks {
		s.counters.Mark(name)
	}
}

// Reset returns every aggregate to empty.
func (s *IntervalState) Reset() {
	s.counters.Reset()
	s.latency.Reset()
	s.requestBytes.Reset()
	s.responseBytes.Reset()
}

// IntervalSnapshot is the extracted values of an IntervalState.
type IntervalSnapshot struct {
	StartedAt     time.Time
	Requests      int64
	Errors        int64
	Status3xx     int64
	Status4xx     int64
	Status5xx     int64
	RequestBytes  int64
	ResponseBytes int64
	Latency       HistogramSnapshot
}

// Snapshot extracts the current values.
func (s *IntervalState) Snapshot() IntervalSnapshot {
	return IntervalSnapshot{
		StartedAt:     s.startedAt,
		Requests:      s.counters.Count(CounterRequests),
		Errors:        s.counters.Count(CounterErrors),
		Status3xx:     s.counters.Count(Counter3xx),
		Status4xx:     s.counters.Count(Counter4xx),
		Status5xx:     s.counters.Count(Counter5xx),
		RequestBytes:  s.requestBytes.Value(),
		ResponseBytes: s.responseBytes.Value(),
		Latency:       s.latency.Snapshot(),
	}
}

// HasTraffic reports whether the interval saw at least one request or error.
func (s IntervalSnapshot) HasTraffic() bool {
	return s.Requests > 0 || s.Errors > 0
}

// Values returns the ten sink fields in wire order: requests, errors, 3xx,
// 4xx, 5xx, request bytes, response bytes, min, max and sum latency.
func (s IntervalSnapshot) Values() []int64 {
	return []int64{
		s.Requests,
		s.Errors,
		s.Status3xx,
		s.Status4xx,
		s.Status5xx,
		s.RequestBytes,
		s.ResponseBytes,
		s.Latency.Min,
		s.Latency.Max,
		s.Latency.Sum,
	}
}
