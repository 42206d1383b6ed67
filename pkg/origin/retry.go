package origin

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	originRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_origin_retries_total",
		Help: "Total number of origin retry attempts by error class",
	}, []string{"error_class"})

	originRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dinecache_origin_retry_backoff_seconds",
		Help:    "Backoff duration for origin retries by error class",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	originRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_origin_retry_exhausted_total",
		Help: "Total number of times origin retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration. Backoffs are
// short because a client is waiting on the other end of every forward.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// forClass adjusts the base configuration for an error class.
func (c RetryConfig) forClass(class ErrorClass) RetryConfig {
	if class == ErrorClassRateLimit {
		// Give a throttling origin more room
		c.InitialBackoff = min(c.InitialBackoff*4, c.MaxBackoff)
	}
	return c
}

// retryWithBackoff executes fn with exponential backoff. classify decides
// whether a failure is worth retrying. It respects context cancellation and
// adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, base RetryConfig, fn func() error, classify func(error) ErrorClass) error {
	if base.MaxAttempts < 1 {
		base.MaxAttempts = 1
	}

	var lastErr error
	var class ErrorClass
	var config RetryConfig
	var backoff time.Duration

	for attempt := 1; attempt <= base.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(class)).
					Int("attempt", attempt).
					Msg("Origin request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class = classify(err)
		if !shouldRetry(class) {
			return lastErr
		}

		if attempt == 1 {
			config = base.forClass(class)
			backoff = config.InitialBackoff
		}
		if attempt >= config.MaxAttempts {
			break
		}

		originRetriesTotal.WithLabelValues(string(class)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		originRetryBackoffSeconds.WithLabelValues(string(class)).Observe(jitter.Seconds())

		log.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying origin request after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	originRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", base.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, base.MaxAttempts, lastErr)
}
