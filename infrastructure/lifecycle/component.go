// Package lifecycle coordinates ordered startup and teardown of the
// components that make up a resource fabric instance: pools, caches,
// the idempotency store, and the health coordinator all register here
// instead of relying on package-level singletons.
package lifecycle

import "context"

// Component is anything the Registry can start and stop in dependency
// order. Implementations must make Stop idempotent: once stopped, a
// second Stop call is a no-op that returns nil.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ReadyChecker is optionally implemented by a Component to expose
// readiness independent of lifecycle status (e.g. a pool that started
// but has zero healthy resources).
type ReadyChecker interface {
	Ready() bool
}

// Status describes where a component sits in its lifecycle.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusStarted    Status = "started"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusStopError  Status = "stop_error"
)
