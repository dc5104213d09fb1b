package sink

import (
	"fmt"
	"time"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
)

const (
	httpValueCount    = 10
	workerValueCount  = 1
	maxIDLength       = 64
	maxInstanceLength = 128
)

// Payload is the wire form written by remote sinks.
type Payload struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Instance    string       `json:"instance"`
	Timestamp   int64        `json:"ts"` // Unix milliseconds
	Value       []int64      `json:"value"`
	Percentiles *Percentiles `json:"percentiles,omitempty"`
}

// NewPayload converts s to its wire form.
func NewPayload(s Snapshot, instance string) Payload {
	p := Payload{
		ID:        s.ID(),
		Name:      s.Name(),
		Instance:  instance,
		Timestamp: s.Timestamp().UnixMilli(),
		Value:     s.Values(),
	}
	if pct, ok := s.Percentiles(); ok {
		p.Percentiles = &pct
	}
	return p
}

// Snapshot converts p back into a Snapshot. The instance is not part of it.
func (p Payload) Snapshot() Snapshot {
	s := NewSnapshot(p.ID, p.Name, time.UnixMilli(p.Timestamp).UTC(), p.Value)
	if p.Percentiles != nil {
		s = s.WithPercentiles(*p.Percentiles)
	}
	return s
}

// ValidatePayload checks a payload read back from a stream.
func ValidatePayload(p Payload) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(p.ID) > maxIDLength {
		return fmt.Errorf("id too long")
	}
	if len(p.Instance) > maxInstanceLength {
		return fmt.Errorf("instance too long")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("ts must be set")
	}

	switch p.Name {
	case metrics.MetricHTTP:
		if len(p.Value) != httpValueCount {
			return fmt.Errorf("%s snapshot must carry %d values, got %d", p.Name, httpValueCount, len(p.Value))
		}
	case metrics.MetricWorkers:
		if len(p.Value) != workerValueCount {
			return fmt.Errorf("%s snapshot must carry %d value, got %d", p.Name, workerValueCount, len(p.Value))
		}
		if p.Percentiles != nil {
			return fmt.Errorf("%s snapshot must not carry percentiles", p.Name)
		}
	default:
		return fmt.Errorf("unknown metric name %q", p.Name)
	}

	for i, v := range p.Value {
		if v < 0 {
			return fmt.Errorf("value[%d] must not be negative", i)
		}
	}
	return nil
}
