package utils

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const TraceParentKey = "traceparent"

// TraceCarrier is the only header a message carries between stages.
type TraceCarrier struct {
	TraceParent string
}

func (c *TraceCarrier) Get(key string) string {
	if key == TraceParentKey {
		return c.TraceParent
	}

	return ""
}

func (c *TraceCarrier) Set(key string, value string) {
	if key == TraceParentKey {
		c.TraceParent = value
	}
}

func (c *TraceCarrier) Keys() []string {
	return []string{TraceParentKey}
}

// InjectTraceParent encodes the span active in ctx as a W3C traceparent
// using propagator. The carrier is empty when ctx holds no valid span.
func InjectTraceParent(ctx context.Context, propagator propagation.TextMapPropagator) TraceCarrier {
	var carrier TraceCarrier
	propagator.Inject(ctx, &carrier)
	return carrier
}

// ExtractTraceParent recovers the remote parent encoded in carrier. A missing
// or malformed traceparent yields an invalid (detached) span context.
func ExtractTraceParent(propagator propagation.TextMapPropagator, carrier TraceCarrier) trace.SpanContext {
	ctx := propagator.Extract(context.Background(), &carrier)
	return trace.SpanContextFromContext(ctx)
}

// SerializeTraceContext returns the traceparent of the span active in ctx.
func SerializeTraceContext(ctx context.Context, propagator propagation.TextMapPropagator) string {
	return InjectTraceParent(ctx, propagator).TraceParent
}

func DeserializeTraceContext(propagator propagation.TextMapPropagator, traceParent string) trace.SpanContext {
	return ExtractTraceParent(propagator, TraceCarrier{TraceParent: traceParent})
}
