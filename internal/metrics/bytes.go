package metrics

import (
	"strconv"
	"strings"
)

// Accumulator is a running byte total.
type Accumulator struct {
	total int64
}

// Add adds n bytes. Negative values are ignored.
func (a *Accumulator) Add(n int64) {
	if n <= 0 {
		return
	}
	a.total += n
}

// Value returns the current total.
func (a *Accumulator) Value() int64 {
	return a.total
}

// Reset zeroes the total.
func (a *Accumulator) Reset() {
	a.total = 0
}

// ParseSize reads a Content-Length style header value.
// Missing, negative or non-numeric values yield 0.
func ParseSize(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
