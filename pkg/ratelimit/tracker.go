package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/origin"
)

// Prometheus metrics for rate limit tracking.
var (
	originRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dinecache_origin_rate_limit_remaining",
		Help: "Request budget the origin last reported for its current window",
	})

	originRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dinecache_origin_rate_limit_blocks_total",
		Help: "Total number of origin calls refused while the origin is rate limiting",
	})

	originRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dinecache_origin_rate_limit_throttles_total",
		Help: "Total number of origin calls delayed because the budget is low",
	})
)

// ErrBlocked is returned by Allow while the origin is rate limiting.
var ErrBlocked = errors.New("origin rate limit reached")

// Header names read by Observe.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultRetryAfter applies to a 429 without a usable Retry-After.
const DefaultRetryAfter = 5 * time.Second

// Hash fields of the shared state.
const (
	fieldRemaining    = "remaining"
	fieldResetAt      = "reset_at"
	fieldBlockedUntil = "blocked_until"
	fieldLastUpdate   = "last_update"
)

// Tracker records the origin's rate limit signals in Redis and gates
// origin calls on them. Redis failures admit the call.
type Tracker struct {
	redis    *redis.Client
	key      string
	throttle time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

var _ origin.Gate = (*Tracker)(nil)

// NewTracker creates a tracker storing its state under "<prefix>:ratelimit".
func NewTracker(redisClient *redis.Client, prefix string, logger zerolog.Logger) *Tracker {
	if prefix == "" {
		prefix = "dc"
	}
	return &Tracker{
		redis:    redisClient,
		key:      prefix + ":ratelimit",
		throttle: time.Second,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger,
	}
}

// SetClock replaces the clock and sleeper (for testing).
func (t *Tracker) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	t.now = now
	t.sleep = sleep
}

// Key returns the Redis key holding the state.
func (t *Tracker) Key() string { return t.key }

// State reads the shared state. Absent state is Unknown.
func (t *Tracker) State(ctx context.Context) (*State, error) {
	vals, err := t.redis.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read rate limit state: %w", err)
	}
	now := t.now()
	if len(vals) == 0 {
		return Unknown(now), nil
	}

	state := &State{Remaining: -1}
	if v, ok := vals[fieldRemaining]; ok {
		if state.Remaining, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldRemaining, err)
		}
	}
	state.ResetAt = unixMilli(vals[fieldResetAt])
	state.BlockedUntil = unixMilli(vals[fieldBlockedUntil])
	state.LastUpdate = unixMilli(vals[fieldLastUpdate])
	state.UpdateHealth(now)
	return state, nil
}

// Observe records the rate limit headers of an origin response. Responses
// without them leave the state unchanged.
func (t *Tracker) Observe(ctx context.Context, status int, header http.Header) error {
	now := t.now()
	fields := make(map[string]any, 4)
	expireAt := now
	remaining := -1

	if status == http.StatusTooManyRequests {
		wait := parseRetryAfter(header.Get(HeaderRetryAfter), now)
		if wait <= 0 {
			wait = DefaultRetryAfter
		}
		blockedUntil := now.Add(wait)
		fields[fieldBlockedUntil] = blockedUntil.UnixMilli()
		expireAt = laterOf(expireAt, blockedUntil)
	}

	if raw := header.Get(HeaderRemaining); raw != "" {
		var err error
		remaining, err = strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		resetSeconds, err := strconv.Atoi(strings.TrimSpace(header.Get(HeaderReset)))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		resetAt := now.Add(time.Duration(resetSeconds) * time.Second)
		fields[fieldRemaining] = remaining
		fields[fieldResetAt] = resetAt.UnixMilli()
		expireAt = laterOf(expireAt, resetAt)
		originRateLimitRemaining.Set(float64(remaining))
	}

	if len(fields) == 0 {
		return nil
	}
	fields[fieldLastUpdate] = now.UnixMilli()

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, t.key, fields)
	// State outlives its last deadline briefly, then disappears
	pipe.PExpireAt(ctx, t.key, expireAt.Add(time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	evt := t.logger.Debug()
	if status == http.StatusTooManyRequests || (remaining >= 0 && remaining < RemainingWarning) {
		evt = t.logger.Warn()
	}
	evt.Int("status", status).
		Int("remaining", remaining).
		Msg("Origin rate limit state updated")
	return nil
}

// Allow refuses calls while the origin is blocking and delays them while
// the budget is low.
func (t *Tracker) Allow(ctx context.Context) error {
	state, err := t.State(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, admitting request")
		return nil
	}

	now := t.now()
	if state.Blocked(now) {
		originRateLimitBlocksTotal.Inc()
		wait := state.RetryAfter(now)
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("retry_after", wait).
			Msg("Origin rate limited - refusing request")
		return fmt.Errorf("%w: retry after %s", ErrBlocked, wait.Round(time.Millisecond))
	}

	if state.NeedsThrottling(now) {
		originRateLimitThrottlesTotal.Inc()
		t.logger.Debug().Int("remaining", state.Remaining).Msg("Origin budget low - throttling request")
		return t.sleep(ctx, t.throttle)
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}

func unixMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
