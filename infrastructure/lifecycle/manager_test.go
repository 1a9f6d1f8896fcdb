package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeComponent struct {
	name        string
	startErr    error
	stopErr     error
	startCalled bool
	stopCalled  bool
	mu          sync.Mutex
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalled = true
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled = true
	return f.stopErr
}

func (f *fakeComponent) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalled
}

func (f *fakeComponent) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalled
}

func TestManager_StartRespectsDependencyOrder(t *testing.T) {
	m := NewManager()
	var order []string
	var mu sync.Mutex

	record := func(name string) *fakeComponent {
		return &fakeComponent{name: name}
	}

	metrics := record("metrics")
	errorsC := record("errors")
	pool := record("pool")
	cache := record("cache")

	for _, c := range []*fakeComponent{metrics, errorsC, pool, cache} {
		if err := m.Registry().Register(&orderTrackingComponent{fakeComponent: c, order: &order, mu: &mu}); err != nil {
			t.Fatalf("Register(%s): %v", c.name, err)
		}
	}
	m.Registry().Dependencies().Set("errors")
	m.Registry().Dependencies().Set("pool", "metrics", "errors")
	m.Registry().Dependencies().Set("cache", "pool")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	index := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}
	if index("pool") < index("metrics") || index("pool") < index("errors") {
		t.Fatalf("pool started before its dependencies: %v", order)
	}
	if index("cache") < index("pool") {
		t.Fatalf("cache started before pool: %v", order)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type orderTrackingComponent struct {
	*fakeComponent
	order *[]string
	mu    *sync.Mutex
}

func (o *orderTrackingComponent) Start(ctx context.Context) error {
	o.mu.Lock()
	*o.order = append(*o.order, o.name)
	o.mu.Unlock()
	return o.fakeComponent.Start(ctx)
}

func TestManager_RollsBackOnStartFailure(t *testing.T) {
	m := NewManager()

	ok1 := &fakeComponent{name: "a"}
	ok2 := &fakeComponent{name: "b"}
	failing := &fakeComponent{name: "c", startErr: errors.New("boom")}

	for _, c := range []*fakeComponent{ok1, ok2, failing} {
		if err := m.Registry().Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	m.Registry().Dependencies().Set("b", "a")
	m.Registry().Dependencies().Set("c", "b")

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if !ok1.wasStarted() || !ok2.wasStarted() {
		t.Fatal("expected dependencies to have started before failure")
	}
	if !ok1.wasStopped() || !ok2.wasStopped() {
		t.Fatal("expected started components to be rolled back")
	}
	if failing.wasStopped() {
		t.Fatal("component that failed to start should not be stopped")
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m := NewManager()
	c := &fakeComponent{name: "solo"}
	if err := m.Registry().Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	stopsAfterFirst := c.wasStopped()
	if !stopsAfterFirst {
		t.Fatal("expected component to be stopped")
	}

	// A second Stop on an already-stopped manager must not panic or
	// attempt to stop components again.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestManager_DetectsMissingDependency(t *testing.T) {
	m := NewManager()
	c := &fakeComponent{name: "solo"}
	if err := m.Registry().Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.Registry().Dependencies().Set("solo", "ghost")

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on missing dependency")
	}
}

func TestManager_DetectsCycle(t *testing.T) {
	m := NewManager()
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b"}
	for _, c := range []*fakeComponent{a, b} {
		if err := m.Registry().Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	m.Registry().Dependencies().Set("a", "b")
	m.Registry().Dependencies().Set("b", "a")

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on dependency cycle")
	}
}
