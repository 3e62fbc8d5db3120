package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

const DefaultCollector = "localhost:4318"

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Collector is the host:port of the OTLP collector.
	Collector string
	Protocol  Protocol
	// Metrics enables OTLP metric export and runtime metrics.
	Metrics bool
	// Propagator encodes span contexts into envelopes. Defaults to W3C
	// trace context.
	Propagator propagation.TextMapPropagator
}

// Telemetry owns the tracer and meter providers of one process. It is
// created once at startup, handed to every stage, and shut down once after
// all stages have returned.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator

	flushFuncs    []func(context.Context) error
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
	shutdownErr   error
}

func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ProcessPID(os.Getpid()),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	if exe, err := os.Executable(); err == nil {
		attrs = append(attrs, semconv.ProcessExecutablePath(exe))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// newTraceExporter also returns a func closing any connection the exporter
// does not own.
func newTraceExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, func(context.Context) error, error) {
	collector := cfg.Collector
	if collector == "" {
		collector = DefaultCollector
	}

	switch cfg.Protocol {
	case ProtocolHTTP, "":
		exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(collector),
			otlptracehttp.WithInsecure(),
		))
		return exporter, nil, err
	case ProtocolGRPC:
		conn, err := grpc.NewClient(collector, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create grpc connection to collector: %w", err)
		}

		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, errors.Join(err, conn.Close())
		}

		return exporter, func(context.Context) error { return conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported collector protocol %q", cfg.Protocol)
	}
}

// New builds the tracing pipeline exporting to cfg.Collector. If it returns
// an error nothing needs to be shut down.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	exporter, closeConn, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	t := newTelemetry(cfg, sdktrace.WithBatcher(exporter))
	if closeConn != nil {
		t.shutdownFuncs = append(t.shutdownFuncs, closeConn)
	}

	if cfg.Metrics {
		if err := t.setupMetrics(ctx, cfg); err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
	}

	return t, nil
}

// NewWithSpanProcessor builds a Telemetry whose spans go to processor only.
func NewWithSpanProcessor(cfg Config, processor sdktrace.SpanProcessor) *Telemetry {
	return newTelemetry(cfg, sdktrace.WithSpanProcessor(processor))
}

func newTelemetry(cfg Config, opts ...sdktrace.TracerProviderOption) *Telemetry {
	opts = append(opts, sdktrace.WithResource(newResource(cfg)))
	tracerProvider := sdktrace.NewTracerProvider(opts...)

	propagator := cfg.Propagator
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  noop.NewMeterProvider(),
		propagator:     propagator,
		flushFuncs:     []func(context.Context) error{tracerProvider.ForceFlush},
		shutdownFuncs:  []func(context.Context) error{tracerProvider.Shutdown},
	}
}

func (t *Telemetry) setupMetrics(ctx context.Context, cfg Config) error {
	collector := cfg.Collector
	if collector == "" {
		collector = DefaultCollector
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(collector),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(newResource(cfg)),
	)
	t.meterProvider = meterProvider
	t.flushFuncs = append(t.flushFuncs, meterProvider.ForceFlush)
	t.shutdownFuncs = append(t.shutdownFuncs, meterProvider.Shutdown)

	if err := runtime.Start(
		runtime.WithMeterProvider(meterProvider),
		runtime.WithMinimumReadMemStatsInterval(time.Second),
	); err != nil {
		return fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return nil
}

func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

func (t *Telemetry) Meter(name string) metric.Meter {
	return t.meterProvider.Meter(name)
}

func (t *Telemetry) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// StartSpan starts a span under the remote parent. An invalid parent starts
// a new root span instead.
func (t *Telemetry) StartSpan(ctx context.Context, tracerName, spanName string, parent trace.SpanContext, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	return t.Tracer(tracerName).Start(ctx, spanName, opts...)
}

func (t *Telemetry) ForceFlush(ctx context.Context) error {
	var err error
	for _, fn := range t.flushFuncs {
		err = errors.Join(err, fn(ctx))
	}

	return err
}

// Shutdown flushes and stops every provider. Only the first call has any
// effect; later calls return the first result.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFuncs {
			t.shutdownErr = errors.Join(t.shutdownErr, fn(ctx))
		}
	})

	return t.shutdownErr
}
