package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of duration samples per series name
// (one series per pipeline stage plus the whole run).
type LatencyTracker struct {
	mu      sync.RWMutex
	series  map[string][]time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker storing up to maxSize samples per series.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{series: make(map[string][]time.Duration), maxSize: maxSize}
}

// Observe records a duration for the named series.
func (l *LatencyTracker) Observe(name string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	samples := append(l.series[name], d)
	if len(samples) > l.maxSize {
		samples = samples[len(samples)-l.maxSize:]
	}
	l.series[name] = samples
}

// Percentile returns the p-th percentile (0-100) of the named series, or zero
// when nothing was recorded.
func (l *LatencyTracker) Percentile(name string, p float64) time.Duration {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.series[name]...)
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	return sorted[index]
}

// Count returns the number of samples held for the named series.
func (l *LatencyTracker) Count(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.series[name])
}
