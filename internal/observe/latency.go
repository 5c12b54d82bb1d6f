package observe

import (
	"sort"
	"sync"
)

// LatencyBuffer keeps the most recent middleware latencies in a fixed-size
// circular buffer. Recording is O(1) under a mutex with a single-writer
// cursor; percentile reads sort a snapshot, which is fine at scrape rates.
type LatencyBuffer struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	cursor  int
	filled  bool
}

// NewLatencyBuffer creates a buffer holding up to size samples.
func NewLatencyBuffer(size int) *LatencyBuffer {
	if size <= 0 {
		size = 1
	}
	return &LatencyBuffer{samples: make([]float64, size)}
}

// Record stores one latency observation, overwriting the oldest once the
// buffer has wrapped.
func (b *LatencyBuffer) Record(ms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples[b.cursor] = ms
	b.cursor++
	if b.cursor == len(b.samples) {
		b.cursor = 0
		b.filled = true
	}
}

// Percentiles returns p50, p95 and p99 over the valid prefix. An empty
// buffer yields zeros.
func (b *LatencyBuffer) Percentiles() (p50, p95, p99 float64) {
	b.mu.Lock()
	n := len(b.samples)
	if !b.filled {
		n = b.cursor
	}
	snapshot := make([]float64, n)
	copy(snapshot, b.samples[:n])
	b.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Float64s(snapshot)
	return quantile(snapshot, 0.50), quantile(snapshot, 0.95), quantile(snapshot, 0.99)
}

// quantile picks the nearest-rank value from a sorted sample.
func quantile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// Count reports the number of valid samples, for debug output.
func (b *LatencyBuffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled {
		return len(b.samples)
	}
	return b.cursor
}
