package sink

import "sync"

// Memory keeps every accepted snapshot. Used in tests and for local inspection.
type Memory struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Accept stores s.
func (m *Memory) Accept(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
}

// Snapshots returns a copy of the stored snapshots in arrival order.
func (m *Memory) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.snapshots...)
}

// ByName returns the stored snapshots with the given metric name.
func (m *Memory) ByName(name string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, s := range m.snapshots {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops every stored snapshot.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = nil
}
