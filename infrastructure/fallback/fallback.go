package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/twshwa/rarf/infrastructure/resilience"
)

type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            float64
	UseCircuitBreaker bool
	// Breaker guards every attempt (primary and fallbacks) when
	// UseCircuitBreaker is set. A nil Breaker with UseCircuitBreaker true
	// falls back to an internally-owned breaker with resilience.DefaultConfig.
	Breaker *resilience.CircuitBreaker
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

type Func func(ctx context.Context) (interface{}, error)

type Handler struct {
	config  Config
	breaker *resilience.CircuitBreaker
	cache   map[string]*cacheEntry
	mu      sync.RWMutex
}

type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

type Result struct {
	Value    interface{}
	Err      error
	Source   string
	Attempts int
}

func NewHandler(cfg Config) *Handler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0.1
	}

	h := &Handler{
		config: cfg,
		cache:  make(map[string]*cacheEntry),
	}
	if cfg.UseCircuitBreaker {
		h.breaker = cfg.Breaker
		if h.breaker == nil {
			h.breaker = resilience.New(resilience.DefaultConfig())
		}
	}
	return h
}

func (h *Handler) Execute(ctx context.Context, primary Func, fallbacks ...Func) *Result {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < len(fallbacks)+1; attempt++ {
		attempts++

		var fn Func
		var source string

		if attempt == 0 {
			fn = primary
			source = "primary"
		} else {
			fn = fallbacks[attempt-1]
			source = "fallback"
		}

		value, err := h.call(ctx, fn)
		if err == nil {
			return &Result{
				Value:    value,
				Source:   source,
				Attempts: attempts,
			}
		}

		lastErr = err

		if attempt < len(fallbacks) {
			delay := h.calculateDelay(attempt)
			select {
			case <-ctx.Done():
				return &Result{Err: ctx.Err(), Source: source, Attempts: attempts}
			case <-time.After(delay):
			}
		}
	}

	return &Result{Err: lastErr, Source: "exhausted", Attempts: attempts}
}

// call invokes fn directly, or through h.breaker when a circuit breaker is
// configured, giving the fallback chain the fabric's own open/half-open/
// closed protection instead of retrying into a service that is already down.
func (h *Handler) call(ctx context.Context, fn Func) (interface{}, error) {
	if h.breaker == nil {
		return fn(ctx)
	}
	var value interface{}
	err := h.breaker.Execute(ctx, func() error {
		var innerErr error
		value, innerErr = fn(ctx)
		return innerErr
	})
	return value, err
}

// calculateDelay computes the inter-attempt backoff using the same
// exponential-backoff library the fabric's resilience.Retry is built on,
// seeded per call so successive Executes don't share drift state.
func (h *Handler) calculateDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.config.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = h.config.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 5 * time.Second
	}
	b.Multiplier = h.config.Multiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	b.RandomizationFactor = h.config.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (h *Handler) SetCache(key string, value interface{}, ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache[key] = &cacheEntry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
}

func (h *Handler) GetCache(key string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.cache[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiration) {
		return nil, false
	}

	return entry.value, true
}

func (h *Handler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for key, entry := range h.cache {
		if now.After(entry.expiration) {
			delete(h.cache, key)
		}
	}
}
