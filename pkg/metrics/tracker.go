package metrics

import (
	"sync"
	"time"
)

// Snapshot is the caller-facing view of cache performance. Rates are
// running fractions over TotalRequests; AverageResponseTime is an
// incrementally maintained mean, never recomputed from history.
type Snapshot struct {
	HitRate             float64       `json:"hit_rate"`
	MissRate            float64       `json:"miss_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	TotalRequests       int64         `json:"total_requests"`
	CacheSize           int           `json:"cache_size"`
	MemoryUsageEstimate int64         `json:"memory_usage_estimate"`
}

// Tracker accumulates the performance snapshot. Hit/miss counters and
// the response-time mean update on every request; size and memory are
// resampled on a timer by the owner, trading precision for overhead.
// State resets only with the process.
type Tracker struct {
	mu       sync.Mutex
	hits     int64
	misses   int64
	avgNanos float64
	size     int
	memory   int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordHit folds a served-from-cache request into the running stats.
func (t *Tracker) RecordHit(duration time.Duration) {
	t.record(true, duration)
}

// RecordMiss folds a missed request into the running stats. Failed
// fetches still count: the request happened.
func (t *Tracker) RecordMiss(duration time.Duration) {
	t.record(false, duration)
}

func (t *Tracker) record(hit bool, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hit {
		t.hits++
	} else {
		t.misses++
	}

	n := t.hits + t.misses
	t.avgNanos += (float64(duration.Nanoseconds()) - t.avgNanos) / float64(n)
}

// Resample records the latest entry count and serialized-size estimate.
func (t *Tracker) Resample(entries int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.size = entries
	t.memory = bytes
}

// Snapshot returns the current performance view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TotalRequests:       t.hits + t.misses,
		AverageResponseTime: time.Duration(t.avgNanos),
		CacheSize:           t.size,
		MemoryUsageEstimate: t.memory,
	}
	if snap.TotalRequests > 0 {
		snap.HitRate = float64(t.hits) / float64(snap.TotalRequests)
		snap.MissRate = float64(t.misses) / float64(snap.TotalRequests)
	}
	return snap
}
