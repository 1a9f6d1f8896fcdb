package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twshwa/rarf/infrastructure/resilience"
)

type scriptedChecker struct {
	name string
	fail int32 // non-zero means Check returns an error
}

func (c *scriptedChecker) Name() string { return c.name }
func (c *scriptedChecker) Check(ctx context.Context) error {
	if atomic.LoadInt32(&c.fail) != 0 {
		return errors.New("down")
	}
	return nil
}

func TestCoordinator_EscalatesThroughDegradedToFailing(t *testing.T) {
	c := New(Config{}, nil)
	checker := &scriptedChecker{name: "dep"}
	c.Register(checker, CheckerConfig{DegradeAfter: 1, FailAfter: 2})

	ctx := context.Background()
	atomic.StoreInt32(&checker.fail, 1)

	st, _ := c.CheckNow(ctx, "dep")
	if st != StateDegraded {
		t.Fatalf("after 1 failure expected degraded, got %v", st)
	}
	st, _ = c.CheckNow(ctx, "dep")
	if st != StateFailing {
		t.Fatalf("after 2 failures expected failing, got %v", st)
	}

	atomic.StoreInt32(&checker.fail, 0)
	st, _ = c.CheckNow(ctx, "dep")
	if st != StateOK {
		t.Fatalf("after recovery expected ok, got %v", st)
	}
}

func TestCoordinator_UnregisteredCheckerIsUnknown(t *testing.T) {
	c := New(Config{}, nil)
	if got := c.State("nope"); got != StateUnknown {
		t.Fatalf("State(unregistered) = %v, want unknown", got)
	}
}

func TestCoordinator_FiresRecoveryOnceFailing(t *testing.T) {
	var mu sync.Mutex
	var applied []RecoveryAction
	recoverer := RecovererFunc(func(ctx context.Context, a RecoveryAction) error {
		mu.Lock()
		applied = append(applied, a)
		mu.Unlock()
		return nil
	})

	c := New(Config{MaxRecoveriesPerWindow: 10, Window: time.Second}, recoverer)
	checker := &scriptedChecker{name: "dep", fail: 1}
	c.Register(checker, CheckerConfig{DegradeAfter: 1, FailAfter: 1, Recovery: &RecoveryAction{Kind: RecoveryRecyclePool, Target: "dep-pool"}})

	c.CheckNow(context.Background(), "dep")

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0].Target != "dep-pool" {
		t.Fatalf("expected one recovery action applied, got %+v", applied)
	}
}

func TestCoordinator_RateLimitsRecoveryActions(t *testing.T) {
	var count int32
	recoverer := RecovererFunc(func(ctx context.Context, a RecoveryAction) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	c := New(Config{MaxRecoveriesPerWindow: 1, Window: time.Hour}, recoverer)
	checker := &scriptedChecker{name: "dep", fail: 1}
	c.Register(checker, CheckerConfig{DegradeAfter: 1, FailAfter: 1, Recovery: &RecoveryAction{Kind: RecoveryFlushCache, Target: "c1"}})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		atomic.StoreInt32(&checker.fail, 0)
		c.CheckNow(ctx, "dep") // back to OK, so the next failure is a fresh transition
		atomic.StoreInt32(&checker.fail, 1)
		c.CheckNow(ctx, "dep")
	}

	if atomic.LoadInt32(&count) >= 5 {
		t.Fatalf("expected the rate limiter to suppress most recovery attempts, got %d applied", count)
	}
}

func TestCoordinator_OverallReportsWorstAcrossCheckers(t *testing.T) {
	c := New(Config{}, nil)
	healthy := &scriptedChecker{name: "a"}
	failing := &scriptedChecker{name: "b", fail: 1}
	c.Register(healthy, CheckerConfig{DegradeAfter: 1, FailAfter: 1})
	c.Register(failing, CheckerConfig{DegradeAfter: 1, FailAfter: 1})

	ctx := context.Background()
	c.CheckNow(ctx, "a")
	c.CheckNow(ctx, "b")

	if got := c.Overall(); got != StateFailing {
		t.Fatalf("Overall() = %v, want failing", got)
	}
}

func TestCoordinator_OnTransitionCallbackFires(t *testing.T) {
	c := New(Config{}, nil)
	checker := &scriptedChecker{name: "dep", fail: 1}
	c.Register(checker, CheckerConfig{DegradeAfter: 1, FailAfter: 1})

	var got []State
	var mu sync.Mutex
	c.OnTransition(func(name string, from, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
	})

	c.CheckNow(context.Background(), "dep")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != StateFailing {
		t.Fatalf("expected one transition to failing, got %+v", got)
	}
}

func TestCoordinator_FailingForcesBreakerOpen(t *testing.T) {
	breaker := resilience.New(resilience.Config{Name: "dep-breaker", MaxFailures: 100})
	if breaker.State() != resilience.StateClosed {
		t.Fatalf("expected breaker to start closed, got %v", breaker.State())
	}

	c := New(Config{}, nil)
	checker := &scriptedChecker{name: "dep", fail: 1}
	c.Register(checker, CheckerConfig{DegradeAfter: 1, FailAfter: 1, Breaker: breaker})

	c.CheckNow(context.Background(), "dep")

	if breaker.State() != resilience.StateOpen {
		t.Fatalf("expected checker reaching StateFailing to force the breaker open, got %v", breaker.State())
	}
}
