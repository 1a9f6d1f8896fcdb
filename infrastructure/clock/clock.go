// Package clock provides an injectable monotonic time source so pool,
// cache, breaker, and idempotency timers can be driven deterministically
// in tests instead of sleeping on the wall clock.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source every timed component in the fabric takes as
// a dependency instead of calling time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Timer mirrors the subset of time.Timer the fabric uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker mirrors the subset of time.Ticker the fabric uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// New returns the real, wall-clock-backed Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Mock is a manually-advanced Clock for deterministic tests of
// schedulers, breakers, and TTL expiry without real sleeps.
type Mock struct {
	mu   sync.Mutex
	now  time.Time
	subs []*mockWaiter
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
	periodic time.Duration // zero for one-shot After/Timer
}

// NewMock creates a Mock clock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Sleep(d time.Duration) {
	<-m.After(d)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{deadline: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.subs = append(m.subs, w)
	return w.ch
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{deadline: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.subs = append(m.subs, w)
	return &mockTimer{clock: m, w: w}
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{deadline: m.now.Add(d), ch: make(chan time.Time, 1), periodic: d}
	m.subs = append(m.subs, w)
	return &mockTicker{clock: m, w: w}
}

// Advance moves the mock clock forward by d, firing any timers/tickers
// whose deadline has passed, and rescheduling periodic ones.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)

	remaining := m.subs[:0]
	for _, w := range m.subs {
		if !w.deadline.After(m.now) {
			select {
			case w.ch <- m.now:
			default:
			}
			if w.periodic > 0 {
				w.deadline = m.now.Add(w.periodic)
				remaining = append(remaining, w)
			}
			continue
		}
		remaining = append(remaining, w)
	}
	m.subs = remaining
}

type mockTimer struct {
	clock *Mock
	w     *mockWaiter
}

func (t *mockTimer) C() <-chan time.Time { return t.w.ch }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t.w)
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	existed := t.clock.removeLocked(t.w)
	t.w.deadline = t.clock.now.Add(d)
	t.clock.subs = append(t.clock.subs, t.w)
	return existed
}

type mockTicker struct {
	clock *Mock
	w     *mockWaiter
}

func (t *mockTicker) C() <-chan time.Time { return t.w.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.clock.removeLocked(t.w)
}

func (m *Mock) removeLocked(target *mockWaiter) bool {
	for i, w := range m.subs {
		if w == target {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true
		}
	}
	return false
}
