package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twshwa/rarf/infrastructure/resilience"
)

func TestHandler_PrimarySucceedsWithoutFallback(t *testing.T) {
	h := NewHandler(DefaultConfig())

	result := h.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "primary-value", nil
	})

	if result.Err != nil {
		t.Fatalf("expected nil error, got %v", result.Err)
	}
	if result.Source != "primary" {
		t.Errorf("expected source primary, got %s", result.Source)
	}
	if result.Value != "primary-value" {
		t.Errorf("expected primary-value, got %v", result.Value)
	}
}

func TestHandler_FallsThroughToSecondFallback(t *testing.T) {
	h := NewHandler(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	testErr := errors.New("primary down")

	result := h.Execute(context.Background(),
		func(ctx context.Context) (interface{}, error) { return nil, testErr },
		func(ctx context.Context) (interface{}, error) { return nil, testErr },
		func(ctx context.Context) (interface{}, error) { return "fallback-value", nil },
	)

	if result.Err != nil {
		t.Fatalf("expected nil error, got %v", result.Err)
	}
	if result.Source != "fallback" {
		t.Errorf("expected source fallback, got %s", result.Source)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestHandler_ExhaustsAllAttempts(t *testing.T) {
	h := NewHandler(Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	testErr := errors.New("down")

	result := h.Execute(context.Background(),
		func(ctx context.Context) (interface{}, error) { return nil, testErr },
		func(ctx context.Context) (interface{}, error) { return nil, testErr },
	)

	if result.Source != "exhausted" {
		t.Errorf("expected source exhausted, got %s", result.Source)
	}
	if !errors.Is(result.Err, testErr) {
		t.Errorf("expected last error %v, got %v", testErr, result.Err)
	}
}

func TestHandler_UseCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: time.Minute})
	h := NewHandler(Config{
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		UseCircuitBreaker: true,
		Breaker:           cb,
	})
	testErr := errors.New("down")

	h.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, testErr
	})

	if cb.State() != resilience.StateOpen {
		t.Fatalf("expected breaker to be open after exceeding MaxFailures, got %v", cb.State())
	}

	result := h.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	if result.Err == nil {
		t.Fatal("expected an open-breaker error, got nil")
	}
}

func TestHandler_SetCacheAndGetCache(t *testing.T) {
	h := NewHandler(DefaultConfig())

	h.SetCache("k", "v", time.Minute)
	value, ok := h.GetCache("k")
	if !ok || value != "v" {
		t.Fatalf("expected cached value v, got %v (ok=%v)", value, ok)
	}
}

func TestHandler_CleanupRemovesExpiredEntries(t *testing.T) {
	h := NewHandler(DefaultConfig())

	h.SetCache("k", "v", -time.Second)
	h.Cleanup()

	if _, ok := h.GetCache("k"); ok {
		t.Fatal("expected expired entry to be removed by Cleanup")
	}
}
