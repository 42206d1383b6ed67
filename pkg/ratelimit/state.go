// Package ratelimit shares the origin's rate limit state across instances
// through Redis. A 429 seen by one instance pauses origin calls on every
// instance until the origin's Retry-After elapses, and a nearly exhausted
// X-RateLimit-Remaining budget throttles them.
package ratelimit

import (
	"time"
)

// Thresholds for rate limit decisions.
const (
	// RemainingCritical blocks origin calls until the window resets.
	RemainingCritical = 5

	// RemainingWarning delays each origin call by the throttle interval.
	RemainingWarning = 20

	// RemainingHealthy and above apply no restriction.
	RemainingHealthy = 50
)

// State is the origin's rate limit state as last reported by any instance.
type State struct {
	// Remaining is the request budget left in the current window, or -1
	// when the origin has not reported one.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After after a 429.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when any instance last recorded state.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when no restriction applies.
	IsHealthy bool `json:"is_healthy"`
}

// Unknown is the state before the origin reports anything.
func Unknown(now time.Time) *State {
	return &State{Remaining: -1, LastUpdate: now, IsHealthy: true}
}

// IsStale returns true if the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Blocked reports whether origin calls must be refused at now.
func (s *State) Blocked(now time.Time) bool {
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining >= 0 && s.Remaining < RemainingCritical && now.Before(s.ResetAt)
}

// NeedsThrottling reports whether origin calls should be slowed at now.
func (s *State) NeedsThrottling(now time.Time) bool {
	return s.Remaining >= 0 && s.Remaining < RemainingWarning && !s.Blocked(now) && now.Before(s.ResetAt)
}

// RetryAfter returns how long until calls are allowed again, or 0.
func (s *State) RetryAfter(now time.Time) time.Duration {
	if !s.Blocked(now) {
		return 0
	}
	until := s.BlockedUntil
	if s.Remaining >= 0 && s.Remaining < RemainingCritical && s.ResetAt.After(until) {
		until = s.ResetAt
	}
	return until.Sub(now)
}

// UpdateHealth recomputes IsHealthy at now.
func (s *State) UpdateHealth(now time.Time) {
	s.IsHealthy = !s.Blocked(now) && (s.Remaining < 0 || s.Remaining >= RemainingHealthy || !now.Before(s.ResetAt))
}
