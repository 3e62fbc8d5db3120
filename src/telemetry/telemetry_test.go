package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tracebus/src/utils"
)

func TestStartSpan(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tel := NewWithSpanProcessor(Config{ServiceName: "computing", ServiceVersion: "test"}, recorder)
	defer tel.Shutdown(ctx)

	t.Run("Remote parent becomes the span parent", func(t *testing.T) {
		_, root := tel.Tracer("test").Start(ctx, "root")
		root.End()

		w3c := tel.Propagator()
		parent := utils.DeserializeTraceContext(w3c, utils.SerializeTraceContext(trace.ContextWithSpan(ctx, root), w3c))
		require.True(t, parent.IsValid())

		_, child := tel.StartSpan(ctx, "test", "child", parent, trace.WithAttributes(attribute.String("k", "v")))
		child.End()

		spans := recorder.Ended()
		require.Len(t, spans, 2)

		ended := spans[1]
		assert.Equal(t, "child", ended.Name())
		assert.Equal(t, root.SpanContext().TraceID(), ended.SpanContext().TraceID())
		assert.Equal(t, root.SpanContext().SpanID(), ended.Parent().SpanID())
		assert.True(t, ended.Parent().IsRemote())
		assert.Contains(t, ended.Attributes(), attribute.String("k", "v"))
		assert.Contains(t, ended.Resource().Attributes(), semconv.ServiceName("computing"))
	})

	t.Run("Detached parent starts a new root", func(t *testing.T) {
		ambientCtx, ambient := tel.Tracer("test").Start(ctx, "ambient")
		defer ambient.End()

		_, span := tel.StartSpan(ambientCtx, "test", "orphan", trace.SpanContext{})
		span.End()

		spans := recorder.Ended()
		ended := spans[len(spans)-1]
		assert.Equal(t, "orphan", ended.Name())
		assert.False(t, ended.Parent().IsValid())
		assert.NotEqual(t, ambient.SpanContext().TraceID(), ended.SpanContext().TraceID())
	})
}

func TestShutdownOnce(t *testing.T) {
	ctx := context.Background()
	tel := NewWithSpanProcessor(Config{ServiceName: "motion"}, tracetest.NewSpanRecorder())

	assert.NoError(t, tel.ForceFlush(ctx))
	assert.NoError(t, tel.Shutdown(ctx))
	assert.NoError(t, tel.Shutdown(ctx))
	assert.NotNil(t, tel.Meter("motion"))
	assert.Equal(t, propagation.TraceContext{}, tel.Propagator())
}

func TestConfiguredPropagator(t *testing.T) {
	custom := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	tel := NewWithSpanProcessor(Config{Propagator: custom}, tracetest.NewSpanRecorder())
	defer tel.Shutdown(context.Background())

	assert.Equal(t, custom, tel.Propagator())
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), Config{ServiceName: "sensor", Protocol: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewExporters(t *testing.T) {
	for _, protocol := range []Protocol{ProtocolHTTP, ProtocolGRPC} {
		t.Run(string(protocol), func(t *testing.T) {
			ctx := context.Background()

			// exporters connect lazily; nothing is exported so no collector is needed
			tel, err := New(ctx, Config{ServiceName: "sensor", Collector: "127.0.0.1:1", Protocol: protocol})
			require.NoError(t, err)

			assert.NoError(t, tel.Shutdown(ctx))
		})
	}
}
