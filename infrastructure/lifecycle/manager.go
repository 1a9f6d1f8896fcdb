package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Manager brings a Registry's components up in dependency order and
// tears them down in reverse. It is the concrete "Lifecycle Registry"
// RARF components are built against: pools, the cache, the idempotency
// store and the health coordinator each register as a Component and
// declare what they depend on instead of reaching for a singleton.
type Manager struct {
	mu       sync.Mutex
	registry *Registry
	log      *logrus.Logger
	started  bool
	order    []string

	// StopDeadline bounds how long Stop waits for a single component
	// before recording it as forcibly terminated and moving on. Zero
	// means wait indefinitely.
	StopDeadline time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRegistry supplies a pre-built registry instead of a fresh one.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithStopDeadline bounds how long Stop waits for each component.
func WithStopDeadline(d time.Duration) Option {
	return func(m *Manager) { m.StopDeadline = d }
}

// NewManager creates a Manager, optionally configured with Options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		registry: NewRegistry(),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the underlying Registry so callers can Register
// components and declare dependencies before calling Start.
func (m *Manager) Registry() *Registry { return m.registry }

// Start computes a dependency-respecting order and starts each
// component in turn. Re-entrant Start calls are rejected. If any
// component fails to start, every component started so far is stopped
// in reverse order before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: manager already started")
	}
	m.mu.Unlock()

	names := m.registry.Names()
	if err := m.registry.deps.Verify(names); err != nil {
		return err
	}
	order, err := m.registry.deps.ResolveOrder(names)
	if err != nil {
		return err
	}

	started := make([]string, 0, len(order))
	for _, name := range order {
		c := m.registry.Lookup(name)
		if c == nil {
			continue
		}

		select {
		case <-ctx.Done():
			m.stopReverse(context.Background(), started)
			return ctx.Err()
		default:
		}

		m.registry.status.MarkStarting(name)
		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			m.registry.status.MarkFailed(name, err)
			m.log.WithFields(logrus.Fields{"component": name, "error": err}).Error("lifecycle: component failed to start")
			m.stopReverse(context.Background(), started)
			return fmt.Errorf("lifecycle: starting %q: %w", name, err)
		}
		m.registry.status.MarkStarted(name, time.Since(begin))
		started = append(started, name)
	}

	m.mu.Lock()
	m.started = true
	m.order = order
	m.mu.Unlock()
	return nil
}

// Stop tears down every started component in reverse start order. It
// continues past individual failures, aggregating them, and is
// idempotent: calling Stop twice only stops components once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	order := m.order
	m.order = nil
	wasStarted := m.started
	m.started = false
	m.mu.Unlock()

	if !wasStarted {
		return nil
	}
	return m.stopReverse(ctx, order)
}

func (m *Manager) stopReverse(ctx context.Context, names []string) error {
	var result *multierror.Error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		c := m.registry.Lookup(name)
		if c == nil {
			continue
		}

		m.registry.status.MarkStopping(name)
		stopCtx, cancel := m.stopContext(ctx)
		begin := time.Now()
		done := make(chan error, 1)
		go func() { done <- c.Stop(stopCtx) }()
		var err error
		select {
		case err = <-done:
		case <-stopCtx.Done():
			err = fmt.Errorf("forcibly terminated: %w", stopCtx.Err())
		}
		cancel()

		if err != nil {
			m.registry.status.MarkStopError(name, err)
			m.log.WithFields(logrus.Fields{"component": name, "error": err}).Warn("lifecycle: component failed to stop cleanly")
			result = multierror.Append(result, fmt.Errorf("stopping %q: %w", name, err))
			continue
		}
		m.registry.status.MarkStopped(name, time.Since(begin))
	}
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

func (m *Manager) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if m.StopDeadline <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, m.StopDeadline)
}

// Snapshot returns the current status of every registered component in
// start order.
func (m *Manager) Snapshot() []ComponentStatus {
	m.mu.Lock()
	order := m.order
	if order == nil {
		order = m.registry.Names()
	}
	m.mu.Unlock()
	return m.registry.status.Snapshot(order)
}
