package eventstages

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tracebus/src/eventmodels"
	"github.com/jiaming2012/tracebus/src/eventpubsub"
	"github.com/jiaming2012/tracebus/src/utils"
)

// consume processes the subscription one change at a time. A stop or
// cancellation seen while a change is processed is honored before the next
// change is taken; a change that arrives together with the stop signal is
// processed first.
func (s *Stage) consume(ctx context.Context, stop <-chan struct{}) error {
	sub, err := s.session.Subscribe(ctx, s.spec.subscribe)
	if err != nil {
		return fmt.Errorf("%s: failed to subscribe to %s: %w", s.role, s.spec.subscribe, err)
	}
	defer sub.Close()

	logger := s.logger.WithFields(log.Fields{"role": s.role, "topic": s.spec.subscribe})
	logger.Infof("waiting for messages, press '%c' to stop", utils.StopSentinel)

	changes := sub.Changes()

	for {
		select {
		case <-stop:
			logger.Info("stop requested")
			return nil
		case <-ctx.Done():
			logger.Infof("context done: %v", ctx.Err())
			return nil
		default:
		}

		select {
		case change, ok := <-changes:
			if err := s.handle(ctx, sub, change, ok); err != nil {
				return err
			}
			continue
		case <-stop:
		case <-ctx.Done():
		}

		// tie: a change ready alongside the stop signal is processed first
		select {
		case change, ok := <-changes:
			if err := s.handle(ctx, sub, change, ok); err != nil {
				return err
			}
		default:
		}
	}
}

func (s *Stage) handle(ctx context.Context, sub eventpubsub.Subscription, change eventmodels.Change, ok bool) error {
	if !ok {
		if err := sub.Err(); err != nil {
			return fmt.Errorf("%s: subscription to %s ended: %w", s.role, sub.Topic(), err)
		}

		return fmt.Errorf("%s: %w: %s", s.role, eventmodels.ErrSubscriptionClosed, sub.Topic())
	}

	return s.process(ctx, change)
}

// process runs one message through the stage. Only bus failures are
// returned; undecodable payloads and missing trace context are not errors.
func (s *Stage) process(ctx context.Context, change eventmodels.Change) error {
	start := time.Now()
	s.stats.received()
	s.count(ctx, "received")

	envelope, err := s.codec.Decode(change.Payload)
	if err != nil {
		s.stats.malformed()
		s.count(ctx, "malformed")
		s.logger.WithFields(log.Fields{
			"role":  s.role,
			"topic": change.Topic,
		}).Warnf("skipping message: %v", err)
		return nil
	}

	fmt.Fprintf(s.out, ">> [%s] received %v for %s : %v with timestamp %s\n",
		s.role, change.Kind, change.Topic, envelope, change.Timestamp.Format(time.RFC3339Nano))

	parent := utils.ExtractTraceParent(s.telemetry.Propagator(), utils.TraceCarrier{TraceParent: envelope.SpanContext})
	if !parent.IsValid() {
		s.stats.detached()
		s.count(ctx, "detached")
	}

	ctx, span := s.startSpan(ctx, parent)
	defer span.End()

	logger := s.logger.WithContext(ctx).WithFields(log.Fields{
		"role":  s.role,
		"topic": change.Topic,
	})

	if !parent.IsValid() {
		logger.Warnf("no valid trace context in %v, starting a new trace", envelope)
	}

	span.AddEvent("envelope received", trace.WithAttributes(
		attribute.String("sleeping time", fmt.Sprint(envelope.SleepTimeMillis)),
		attribute.String("span context", envelope.SpanContext),
	))

	var outgoing eventmodels.Envelope
	if !s.spec.isTerminal() {
		outgoing = eventmodels.Envelope{
			SleepTimeMillis: s.spec.forward.draw(s.rng),
			SpanContext:     utils.SerializeTraceContext(ctx, s.telemetry.Propagator()),
		}
	}

	s.sleep(s.boundDelay(envelope.SleepTime()))

	if !s.spec.isTerminal() {
		if err := s.publish(ctx, span, outgoing); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	s.stats.processed(elapsed)
	s.count(ctx, "processed")
	s.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("role", string(s.role)),
	))

	logger.Infof("processed in %v", elapsed)
	return nil
}
