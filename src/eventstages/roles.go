package eventstages

import (
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

// delayRange is a half-open range of milliseconds.
type delayRange struct {
	min, max int64
}

func (r delayRange) draw(rng *rand.Rand) uint64 {
	if r.max <= r.min {
		return uint64(r.min)
	}

	return uint64(r.min + rng.Int63n(r.max-r.min))
}

func (r delayRange) drawDuration(rng *rand.Rand) time.Duration {
	return time.Duration(r.draw(rng)) * time.Millisecond
}

type roleSpec struct {
	tracerName string
	spanName   string
	spanKind   trace.SpanKind
	operation  string
	// subscribe is empty for the producer role.
	subscribe eventmodels.Topic
	// publish is empty for the terminal role.
	publish eventmodels.Topic
	// acquire is the local delay of the producer role before publishing.
	acquire delayRange
	// forward is the delay advertised to the next stage.
	forward delayRange
}

var roleSpecs = map[eventmodels.Role]roleSpec{
	eventmodels.SensorRole: {
		tracerName: "Sensor",
		spanName:   "generate sensor data",
		spanKind:   trace.SpanKindProducer,
		operation:  "send",
		publish:    eventmodels.SensorDataTopic,
		acquire:    delayRange{0, 100},
		forward:    delayRange{50, 150},
	},
	eventmodels.ComputingRole: {
		tracerName: "Computing",
		spanName:   "Get sensor data and start computing",
		spanKind:   trace.SpanKindConsumer,
		operation:  "process",
		subscribe:  eventmodels.SensorDataTopic,
		publish:    eventmodels.ActionTopic,
		forward:    delayRange{0, 100},
	},
	eventmodels.MotionRole: {
		tracerName: "Motion",
		spanName:   "Get computing output and start motion",
		spanKind:   trace.SpanKindConsumer,
		operation:  "receive",
		subscribe:  eventmodels.ActionTopic,
	},
}

func (r roleSpec) isProducer() bool {
	return r.subscribe == ""
}

func (r roleSpec) isTerminal() bool {
	return r.publish == ""
}
