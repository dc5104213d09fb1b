package metrics

// Metric names understood by the sink.
const (
	MetricHTTP    = "http"
	MetricWorkers = "numWorkers"
)

// Interval counter names.
const (
	CounterRequests = "requests"
	CounterErrors   = "errRate"
	Counter3xx      = "3xxRate"
	Counter4xx      = "4xxRate"
	Counter5xx      = "5xxRate"
)

// CounterNames lists every interval counter in sink order.
var CounterNames = []string{
	CounterRequests,
	CounterErrors,
	Counter3xx,
	Counter4xx,
	Counter5xx,
}

// Counters is a fixed set of named event counters.
// Not safe for concurrent use; Collector serializes access.
type Counters struct {
	counts map[string]int64
}

// NewCounters returns counters with every name at zero.
func NewCounters() *Counters {
	c := &Counters{counts: make(map[string]int64, len(CounterNames))}
	c.Reset()
	return c
}

// Mark increments name by one. Unknown names are ignored and reported as false.
func (c *Counters) Mark(name string) bool {
	if _, ok := c.counts[name]; !ok {
		return false
	}
	c.counts[name]++
	return true
}

// Count returns the current value of name.
func (c *Counters) Count(name string) int64 {
	return c.counts[name]
}

// Snapshot returns a copy of every counter.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	for _, name := range CounterNames {
		c.counts[name] = 0
	}
}
