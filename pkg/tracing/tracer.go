// Package tracing adapts OpenTelemetry to the correlation context the
// resource fabric threads through pools, caches, the idempotency store,
// and the health coordinator.
package tracing

import "context"

// Tracer starts a span for an operation and returns a context carrying
// it plus a finish function the caller defers, passing the operation's
// error (or nil) so the span records success or failure.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards every span; it is the default when no provider is configured.
var NoopTracer Tracer = noopTracer{}
