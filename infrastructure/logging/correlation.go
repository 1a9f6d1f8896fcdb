package logging

import (
	"context"
	"time"
)

// SpanIDKey and ParentSpanIDKey extend the existing context-key family
// with the rest of the correlation context the fabric threads through
// every async boundary.
const (
	SpanIDKey       ContextKey = "span_id"
	ParentSpanIDKey ContextKey = "parent_span_id"
	BaggageKey      ContextKey = "baggage"
)

// Correlation is the (trace_id, span_id, parent_span_id, baggage,
// deadline) tuple carried through every RARF call. It is immutable;
// operations that want to add baggage or start a child span derive a
// new Correlation rather than mutating this one.
type Correlation struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Baggage      map[string]string
	Deadline     *time.Time
}

// NewCorrelation starts a fresh root correlation with a new trace id.
func NewCorrelation() Correlation {
	return Correlation{TraceID: NewTraceID(), SpanID: NewTraceID()}
}

// Child derives a child span: same trace id, a fresh span id, and the
// current span as parent. Baggage is copied, not shared.
func (c Correlation) Child() Correlation {
	child := Correlation{
		TraceID:      c.TraceID,
		SpanID:       NewTraceID(),
		ParentSpanID: c.SpanID,
		Deadline:     c.Deadline,
	}
	if len(c.Baggage) > 0 {
		child.Baggage = make(map[string]string, len(c.Baggage))
		for k, v := range c.Baggage {
			child.Baggage[k] = v
		}
	}
	return child
}

// WithBaggage returns a copy of c with key=value added to its baggage.
func (c Correlation) WithBaggage(key, value string) Correlation {
	out := c
	out.Baggage = make(map[string]string, len(c.Baggage)+1)
	for k, v := range c.Baggage {
		out.Baggage[k] = v
	}
	out.Baggage[key] = value
	return out
}

// Attach installs c into ctx, alongside context.WithDeadline if c.Deadline
// is set, so ctx.Done() fires in step with the correlation's own deadline.
func (c Correlation) Attach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = WithTraceID(ctx, c.TraceID)
	ctx = context.WithValue(ctx, SpanIDKey, c.SpanID)
	ctx = context.WithValue(ctx, ParentSpanIDKey, c.ParentSpanID)
	ctx = context.WithValue(ctx, BaggageKey, c.Baggage)

	if c.Deadline != nil {
		return context.WithDeadline(ctx, *c.Deadline)
	}
	return ctx, func() {}
}

// FromContext reconstructs a Correlation from a context previously
// populated by Attach. Missing values are zero-valued.
func FromContext(ctx context.Context) Correlation {
	c := Correlation{TraceID: GetTraceID(ctx)}
	if v, ok := ctx.Value(SpanIDKey).(string); ok {
		c.SpanID = v
	}
	if v, ok := ctx.Value(ParentSpanIDKey).(string); ok {
		c.ParentSpanID = v
	}
	if v, ok := ctx.Value(BaggageKey).(map[string]string); ok {
		c.Baggage = v
	}
	if d, ok := ctx.Deadline(); ok {
		c.Deadline = &d
	}
	return c
}
