package eventstages

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tracebus/src/eventmodels"
	"github.com/jiaming2012/tracebus/src/eventpubsub"
	"github.com/jiaming2012/tracebus/src/telemetry"
)

const DefaultMaxDelay = time.Second

// Sleeper blocks for d. It is the stage's simulated work and must not be
// interrupted by the stop signal.
type Sleeper func(d time.Duration)

type Option func(*Stage)

func WithCodec(codec eventmodels.EnvelopeCodec) Option {
	return func(s *Stage) {
		s.codec = codec
	}
}

// WithOutput sets where the per-message operator lines are printed.
func WithOutput(w io.Writer) Option {
	return func(s *Stage) {
		s.out = w
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Stage) {
		s.rng = rng
	}
}

func WithSleeper(sleep Sleeper) Option {
	return func(s *Stage) {
		s.sleep = sleep
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithMaxDelay bounds the delay taken from an inbound envelope.
func WithMaxDelay(d time.Duration) Option {
	return func(s *Stage) {
		s.maxDelay = d
	}
}

// Stage runs one role of the pipeline. It processes one message at a time
// and is not safe for concurrent use of Run.
type Stage struct {
	role      eventmodels.Role
	spec      roleSpec
	session   eventpubsub.Session
	telemetry *telemetry.Telemetry

	codec    eventmodels.EnvelopeCodec
	out      io.Writer
	rng      *rand.Rand
	sleep    Sleeper
	logger   *log.Logger
	maxDelay time.Duration

	stats    *stageStats
	messages metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(role eventmodels.Role, session eventpubsub.Session, tel *telemetry.Telemetry, opts ...Option) (*Stage, error) {
	spec, ok := roleSpecs[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", eventmodels.ErrUnknownRole, role)
	}

	s := &Stage{
		role:      role,
		spec:      spec,
		session:   session,
		telemetry: tel,
		codec:     eventmodels.JSONEnvelopeCodec{},
		out:       os.Stdout,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     time.Sleep,
		logger:    log.StandardLogger(),
		maxDelay:  DefaultMaxDelay,
		stats:     newStageStats(role),
	}

	for _, opt := range opts {
		opt(s)
	}

	meter := tel.Meter("tracebus/eventstages")

	var err error
	s.messages, err = meter.Int64Counter("tracebus.stage.messages",
		metric.WithDescription("Messages handled by a stage, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message counter: %w", err)
	}

	s.latency, err = meter.Float64Histogram("tracebus.stage.processing.duration",
		metric.WithDescription("Time from receiving an envelope to finishing its work."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return s, nil
}

func (s *Stage) Role() eventmodels.Role {
	return s.role
}

// Run executes the stage. The producer role publishes once and returns.
// Subscribing roles process messages until stop is closed or ctx is done;
// both are only observed between messages. A non-nil error means the bus
// failed and the process should exit unsuccessfully.
func (s *Stage) Run(ctx context.Context, stop <-chan struct{}) error {
	if s.spec.isProducer() {
		return s.produce(ctx)
	}

	return s.consume(ctx, stop)
}

func (s *Stage) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKey.String(s.session.System()),
		semconv.MessagingOperationKey.String(s.spec.operation),
	}

	if !s.spec.isTerminal() {
		attrs = append(attrs, semconv.MessagingDestinationNameKey.String(string(s.spec.publish)))
	}

	return attrs
}

func (s *Stage) startSpan(ctx context.Context, parent trace.SpanContext) (context.Context, trace.Span) {
	return s.telemetry.StartSpan(ctx, s.spec.tracerName, s.spec.spanName, parent,
		trace.WithSpanKind(s.spec.spanKind),
		trace.WithAttributes(s.attributes()...),
	)
}

func (s *Stage) boundDelay(d time.Duration) time.Duration {
	if s.maxDelay > 0 && d > s.maxDelay {
		return s.maxDelay
	}

	return d
}

func (s *Stage) count(ctx context.Context, outcome string) {
	s.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(s.role)),
		attribute.String("outcome", outcome),
	))
}

// publish sends envelope downstream while span is still open. The publish
// runs to completion even if ctx is cancelled meanwhile.
func (s *Stage) publish(ctx context.Context, span trace.Span, envelope eventmodels.Envelope) error {
	payload, err := s.codec.Encode(envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("%s: failed to encode envelope: %w", s.role, err)
	}

	if err := s.session.Publish(context.WithoutCancel(ctx), s.spec.publish, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("%s: failed to publish to %s: %w", s.role, s.spec.publish, err)
	}

	span.AddEvent("published", trace.WithAttributes(
		semconv.MessagingDestinationNameKey.String(string(s.spec.publish)),
		attribute.Int("payload size", len(payload)),
	))

	s.stats.published()
	s.count(ctx, "published")

	s.logger.WithContext(ctx).WithFields(log.Fields{
		"role":  s.role,
		"topic": s.spec.publish,
	}).Debugf("published %v", envelope)

	return nil
}
