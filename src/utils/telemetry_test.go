package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceParentCodec(t *testing.T) {
	w3c := propagation.TraceContext{}

	t.Run("Round trip keeps trace id and span id", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("codec").Start(context.Background(), "root")
		defer span.End()

		carrier := InjectTraceParent(ctx, w3c)
		require.NotEmpty(t, carrier.TraceParent)

		parent := ExtractTraceParent(w3c, carrier)
		assert.True(t, parent.IsValid())
		assert.True(t, parent.IsRemote())
		assert.Equal(t, span.SpanContext().TraceID(), parent.TraceID())
		assert.Equal(t, span.SpanContext().SpanID(), parent.SpanID())
		assert.Equal(t, span.SpanContext().IsSampled(), parent.IsSampled())
	})

	t.Run("Layout follows W3C traceparent", func(t *testing.T) {
		traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
		require.NoError(t, err)

		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})

		ctx := trace.ContextWithSpanContext(context.Background(), sc)
		assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", SerializeTraceContext(ctx, w3c))
	})

	t.Run("No span in context injects nothing", func(t *testing.T) {
		carrier := InjectTraceParent(context.Background(), w3c)
		assert.Empty(t, carrier.TraceParent)
	})

	t.Run("Missing or malformed traceparent is detached", func(t *testing.T) {
		for _, value := range []string{
			"",
			"not-a-valid-value",
			"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
			"00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",
			"ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		} {
			parent := DeserializeTraceContext(w3c, value)
			assert.False(t, parent.IsValid(), value)
		}
	})

	t.Run("Encoding comes from the given propagator", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("codec").Start(context.Background(), "root")
		defer span.End()

		// baggage writes no traceparent, so nothing reaches the carrier
		assert.Empty(t, SerializeTraceContext(ctx, propagation.Baggage{}))

		traceParent := SerializeTraceContext(ctx, w3c)
		require.NotEmpty(t, traceParent)
		assert.False(t, DeserializeTraceContext(propagation.Baggage{}, traceParent).IsValid())
		assert.True(t, DeserializeTraceContext(w3c, traceParent).IsValid())
	})

	t.Run("Carrier only knows traceparent", func(t *testing.T) {
		var carrier TraceCarrier
		carrier.Set("tracestate", "rojo=00f067aa0ba902b7")
		carrier.Set(TraceParentKey, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		assert.Equal(t, []string{TraceParentKey}, carrier.Keys())
		assert.Empty(t, carrier.Get("tracestate"))
		assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get(TraceParentKey))
	})
}
