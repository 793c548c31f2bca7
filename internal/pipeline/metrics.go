package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Pipeline string

	// Rejected counts ProcessData calls the head node refused. Dropped counts
	// outputs that arrived after the listener was detached.
	Received  atomic.Uint64
	Rejected  atomic.Uint64
	Delivered atomic.Uint64
	Dropped   atomic.Uint64
	Errors    atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(pipeline string) *Metrics {
	return &Metrics{Pipeline: pipeline}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Rejected.Store(0)
	m.Delivered.Store(0)
	m.Dropped.Store(0)
	m.Errors.Store(0)
}
