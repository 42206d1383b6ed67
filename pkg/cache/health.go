package cache

import (
	"sync/atomic"
	"time"
)

// Thresholds for store health decisions.
const (
	// DefaultFailureThreshold opens the cooldown window after this many
	// consecutive transport failures.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long calls short-circuit to a miss once the
	// failure threshold is reached.
	DefaultCooldown = 5 * time.Second
)

// HealthState represents the distributed store's recent reachability.
type HealthState struct {
	// ConsecutiveFailures counts transport errors since the last success.
	ConsecutiveFailures int64 `json:"consecutive_failures"`

	// OpenUntil is when calls resume after the threshold was crossed.
	// Zero when the store is healthy.
	OpenUntil time.Time `json:"open_until,omitempty"`

	// IsHealthy is false while the cooldown window is open.
	IsHealthy bool `json:"is_healthy"`
}

// healthTracker gates store calls after repeated failures so an unreachable
// store costs one timeout per cooldown instead of one per request.
type healthTracker struct {
	threshold int64
	cooldown  time.Duration
	now       func() time.Time

	failures  atomic.Int64
	openUntil atomic.Int64 // unix nanos; 0 when closed
}

func newHealthTracker(threshold int, cooldown time.Duration) *healthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &healthTracker{
		threshold: int64(threshold),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a store call should be attempted.
func (h *healthTracker) Allow() bool {
	until := h.openUntil.Load()
	if until == 0 {
		return true
	}
	// Past the window: let calls through again; the next failure re-opens it.
	return h.now().UnixNano() >= until
}

// RecordSuccess closes the cooldown window.
func (h *healthTracker) RecordSuccess() {
	h.failures.Store(0)
	if h.openUntil.Swap(0) != 0 {
		StoreDegraded.Set(0)
	}
}

// RecordFailure counts a transport failure and returns true when it opened
// the cooldown window.
func (h *healthTracker) RecordFailure() bool {
	n := h.failures.Add(1)
	if n < h.threshold {
		return false
	}
	until := h.now().Add(h.cooldown).UnixNano()
	h.openUntil.Store(until)
	StoreDegraded.Set(1)
	return n == h.threshold
}

// State returns a snapshot of the tracker.
func (h *healthTracker) State() HealthState {
	s := HealthState{
		ConsecutiveFailures: h.failures.Load(),
		IsHealthy:           true,
	}
	if until := h.openUntil.Load(); until != 0 && h.now().UnixNano() < until {
		s.OpenUntil = time.Unix(0, until)
		s.IsHealthy = false
	}
	return s
}
