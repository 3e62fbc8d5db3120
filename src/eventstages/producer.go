package eventstages

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tracebus/src/eventmodels"
	"github.com/jiaming2012/tracebus/src/utils"
)

// produce starts a root span, waits for the simulated acquisition and
// publishes one envelope carrying the span's context.
func (s *Stage) produce(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, trace.SpanContext{})
	defer span.End()

	traceParent := utils.SerializeTraceContext(ctx, s.telemetry.Propagator())

	s.sleep(s.spec.acquire.drawDuration(s.rng))

	envelope := eventmodels.Envelope{
		SleepTimeMillis: s.spec.forward.draw(s.rng),
		SpanContext:     traceParent,
	}

	span.AddEvent("sensor data", trace.WithAttributes(
		attribute.String("sleeping time", fmt.Sprint(envelope.SleepTimeMillis)),
		attribute.String("span context", envelope.SpanContext),
	))

	s.logger.WithContext(ctx).WithFields(log.Fields{
		"role":  s.role,
		"topic": s.spec.publish,
	}).Infof("publishing %v", envelope)

	fmt.Fprintf(s.out, ">> [%s] publishing %v to %s\n", s.role, envelope, s.spec.publish)

	return s.publish(ctx, span, envelope)
}
