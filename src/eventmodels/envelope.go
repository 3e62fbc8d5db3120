package eventmodels

import (
	"fmt"
	"time"
)

// Envelope is the payload exchanged between stages. SpanContext holds the
// W3C traceparent of the span that produced it.
type Envelope struct {
	SleepTimeMillis uint64 `json:"sleepTimeMillis"`
	SpanContext     string `json:"spanContext"`
}

func (e Envelope) SleepTime() time.Duration {
	return time.Duration(e.SleepTimeMillis) * time.Millisecond
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope { sleep_time: %d, span_context: %q }", e.SleepTimeMillis, e.SpanContext)
}
