package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/twshwa/rarf/infrastructure/metrics"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness

	// Name labels emitted metrics; empty uses "default".
	Name string
	// IsRetryable decides whether an error should be retried; nil retries
	// everything, matching the original unconditional behavior.
	IsRetryable func(error) bool
	Metrics     metrics.Sink
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (cfg RetryConfig) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = cfg.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * time.Second
	}
	b.Multiplier = cfg.Multiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0 // Retry enforces attempt count, not elapsed time
	b.Reset()
	return b
}

// Retry executes fn with exponential backoff, honoring ctx cancellation
// between attempts and IsRetryable's classification of each failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	b := cfg.backOff()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 && cfg.Metrics != nil {
				cfg.Metrics.Counter("retry_attempts_total", map[string]string{"operation": name, "outcome": "succeeded"}, 1)
			}
			return nil
		}
		lastErr = err

		if cfg.IsRetryable != nil && !cfg.IsRetryable(err) {
			if cfg.Metrics != nil {
				cfg.Metrics.Counter("retry_attempts_total", map[string]string{"operation": name, "outcome": "non_retryable"}, 1)
			}
			return lastErr
		}

		if attempt < cfg.MaxAttempts-1 {
			if cfg.Metrics != nil {
				cfg.Metrics.Counter("retry_attempts_total", map[string]string{"operation": name, "outcome": "retried"}, 1)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.NextBackOff()):
			}
		}
	}
	if cfg.Metrics != nil {
		cfg.Metrics.Counter("retry_attempts_total", map[string]string{"operation": name, "outcome": "exhausted"}, 1)
	}
	return lastErr
}
