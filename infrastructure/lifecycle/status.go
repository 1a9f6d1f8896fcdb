package lifecycle

import (
	"sync"
	"time"
)

// ComponentStatus is a point-in-time snapshot of a component's lifecycle state.
type ComponentStatus struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Err        string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartNanos int64     `json:"start_nanos,omitempty"`
	StopNanos  int64     `json:"stop_nanos,omitempty"`
}

// StatusBoard tracks the status of every registered component. It is
// the single place lifecycle transitions are recorded, so that a
// caller asking "is everything up" never has to reach into a
// component's internals.
type StatusBoard struct {
	mu     sync.RWMutex
	status map[string]ComponentStatus
}

// NewStatusBoard creates an empty status board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{status: make(map[string]ComponentStatus)}
}

func (b *StatusBoard) set(name string, mutate func(*ComponentStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.status[name]
	cur.Name = name
	mutate(&cur)
	cur.UpdatedAt = time.Now()
	b.status[name] = cur
}

// MarkRegistered records that a component has joined the registry.
func (b *StatusBoard) MarkRegistered(name string) {
	b.set(name, func(s *ComponentStatus) { s.Status = StatusRegistered })
}

// MarkStarting records the beginning of a start attempt.
func (b *StatusBoard) MarkStarting(name string) {
	b.set(name, func(s *ComponentStatus) {
		s.Status = StatusStarting
		s.Err = ""
	})
}

// MarkStarted records a successful start and the time it took.
func (b *StatusBoard) MarkStarted(name string, elapsed time.Duration) {
	b.set(name, func(s *ComponentStatus) {
		s.Status = StatusStarted
		s.StartedAt = time.Now()
		s.StartNanos = elapsed.Nanoseconds()
		s.Err = ""
	})
}

// MarkFailed records a start failure.
func (b *StatusBoard) MarkFailed(name string, err error) {
	b.set(name, func(s *ComponentStatus) {
		s.Status = StatusFailed
		if err != nil {
			s.Err = err.Error()
		}
	})
}

// MarkStopping records the beginning of a stop attempt.
func (b *StatusBoard) MarkStopping(name string) {
	b.set(name, func(s *ComponentStatus) { s.Status = StatusStopping })
}

// MarkStopped records a clean stop.
func (b *StatusBoard) MarkStopped(name string, elapsed time.Duration) {
	b.set(name, func(s *ComponentStatus) {
		s.Status = StatusStopped
		s.StoppedAt = time.Now()
		s.StopNanos = elapsed.Nanoseconds()
	})
}

// MarkStopError records a stop that failed or was forced.
func (b *StatusBoard) MarkStopError(name string, err error) {
	b.set(name, func(s *ComponentStatus) {
		s.Status = StatusStopError
		s.StoppedAt = time.Now()
		if err != nil {
			s.Err = err.Error()
		}
	})
}

// Delete removes a component's status, used when unregistering.
func (b *StatusBoard) Delete(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.status, name)
}

// Get returns the status for one component.
func (b *StatusBoard) Get(name string) (ComponentStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.status[name]
	return s, ok
}

// Snapshot returns the status of every component, in the given order
// where possible (unknown names are skipped).
func (b *StatusBoard) Snapshot(order []string) []ComponentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ComponentStatus, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if s, ok := b.status[name]; ok {
			out = append(out, s)
			seen[name] = true
		}
	}
	for name, s := range b.status {
		if !seen[name] {
			out = append(out, s)
		}
	}
	return out
}
