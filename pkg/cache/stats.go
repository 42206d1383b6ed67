package cache

import (
	"sync/atomic"
	"time"
)

// CacheStats is a read-only snapshot of cache counters.
type CacheStats struct {
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Sets          int64     `json:"sets"`
	Invalidations int64     `json:"invalidations"`
	Errors        int64     `json:"errors"`
	HitRate       float64   `json:"hit_rate"`
	LastResetAt   time.Time `json:"last_reset_at"`

	// Store is populated by store implementations with backend details.
	Store *StoreStats `json:"store,omitempty"`

	// Local is populated by the tiered store with the in-process tier's view.
	Local *CacheStats `json:"local,omitempty"`
}

// StoreStats describes the backend behind a cache.
type StoreStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Keys      int64  `json:"keys"`
	MaxKeys   int    `json:"max_keys,omitempty"`
	Evictions int64  `json:"evictions,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Stats holds monotonically increasing counters between resets.
// All methods are safe for concurrent use.
type Stats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
	errors        atomic.Int64
	lastReset     atomic.Int64
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	s := &Stats{}
	s.lastReset.Store(time.Now().UnixNano())
	return s
}

func (s *Stats) RecordHit() { s.hits.Add(1) }
func (s *Stats) RecordMiss() { s.misses.Add(1) }
func (s *Stats) RecordSet() { s.sets.Add(1) }
func (s *Stats) RecordError() { s.errors.Add(1) }
func (s *Stats) RecordInvalidations(n int) { s.invalidations.Add(int64(n)) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() CacheStats {
	snap := CacheStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Sets:          s.sets.Load(),
		Invalidations: s.invalidations.Load(),
		Errors:        s.errors.Load(),
		LastResetAt:   time.Unix(0, s.lastReset.Load()).UTC(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}

// Reset zeroes every counter and records the reset time.
func (s *Stats) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.invalidations.Store(0)
	s.errors.Store(0)
	s.lastReset.Store(time.Now().UnixNano())
}

// MergeStats sums the counters of several snapshots. The latest reset time
// wins and the hit rate is recomputed.
func MergeStats(snaps ...CacheStats) CacheStats {
	var out CacheStats
	for _, s := range snaps {
		out.Hits += s.Hits
		out.Misses += s.Misses
		out.Sets += s.Sets
		out.Invalidations += s.Invalidations
		out.Errors += s.Errors
		if s.LastResetAt.After(out.LastResetAt) {
			out.LastResetAt = s.LastResetAt
		}
	}
	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	return out
}
