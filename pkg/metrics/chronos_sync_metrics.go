// Package metrics tracks sync phase latencies with percentile calculations.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Phase names recorded by the sync pipeline.
const (
	PhaseSyncRun      = "sync_run"      // one calendar through a full engine run
	PhasePageFetch    = "page_fetch"    // one Google events.list page
	PhaseUpsert       = "upsert"        // one background upsert batch
	PhaseTokenRefresh = "token_refresh" // one OAuth refresh round-trip
)

// =============================================================================
// Latency Tracker with Percentiles
// =============================================================================

// latencyTracker keeps a sliding window of samples in microseconds.
type latencyTracker struct {
	mu         sync.Mutex
	samples    []int64
	maxSamples int
	sorted     bool
}

func newLatencyTracker(windowSize int) *latencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &latencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *latencyTracker) record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// Drop the oldest 10% at once to avoid shifting on every record.
		removeCount := lt.maxSamples / 10
		if removeCount < 1 {
			removeCount = 1
		}
		lt.samples = lt.samples[removeCount:]
	}

	lt.samples = append(lt.samples, d.Microseconds())
	lt.sorted = false
}

func (lt *latencyTracker) stats() LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) == 0 {
		return LatencyStats{}
	}

	if !lt.sorted {
		sort.Slice(lt.samples, func(i, j int) bool {
			return lt.samples[i] < lt.samples[j]
		})
		lt.sorted = true
	}

	n := len(lt.samples)
	var sum int64
	for _, v := range lt.samples {
		sum += v
	}

	return LatencyStats{
		Count: int64(n),
		Min:   time.Duration(lt.samples[0]) * time.Microsecond,
		Max:   time.Duration(lt.samples[n-1]) * time.Microsecond,
		Avg:   time.Duration(sum/int64(n)) * time.Microsecond,
		P50:   time.Duration(lt.percentile(0.50)) * time.Microsecond,
		P95:   time.Duration(lt.percentile(0.95)) * time.Microsecond,
		P99:   time.Duration(lt.percentile(0.99)) * time.Microsecond,
	}
}

// percentile must be called with the lock held and samples sorted.
func (lt *latencyTracker) percentile(p float64) int64 {
	if len(lt.samples) == 0 {
		return 0
	}
	idx := int(float64(len(lt.samples)-1) * p)
	return lt.samples[idx]
}

// LatencyStats holds latency statistics for one sync phase.
type LatencyStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// ToMap renders the stats with millisecond units for JSON surfaces.
func (s LatencyStats) ToMap() map[string]any {
	return map[string]any{
		"count":  s.Count,
		"min_ms": float64(s.Min.Microseconds()) / 1000,
		"max_ms": float64(s.Max.Microseconds()) / 1000,
		"avg_ms": float64(s.Avg.Microseconds()) / 1000,
		"p50_ms": float64(s.P50.Microseconds()) / 1000,
		"p95_ms": float64(s.P95.Microseconds()) / 1000,
		"p99_ms": float64(s.P99.Microseconds()) / 1000,
	}
}

// =============================================================================
// Sync Registry
// =============================================================================

// SyncRegistry manages latency trackers per sync phase. One instance is owned
// by the dependency container and shared by the recording components.
type SyncRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*latencyTracker
	window   int
}

func NewSyncRegistry(windowSize int) *SyncRegistry {
	return &SyncRegistry{
		trackers: make(map[string]*latencyTracker),
		window:   windowSize,
	}
}

// Observe records one latency sample for the given phase.
func (r *SyncRegistry) Observe(phase string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[phase]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[phase]; !ok {
			tracker = newLatencyTracker(r.window)
			r.trackers[phase] = tracker
		}
		r.mu.Unlock()
	}

	tracker.record(d)
}

// Snapshot returns millisecond-unit stats for every phase observed so far.
func (r *SyncRegistry) Snapshot() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]map[string]any, len(r.trackers))
	for phase, tracker := range r.trackers {
		result[phase] = tracker.stats().ToMap()
	}
	return result
}
