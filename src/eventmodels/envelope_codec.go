package eventmodels

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// EnvelopeCodec converts envelopes to and from bus payloads.
type EnvelopeCodec interface {
	Name() string
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// JSONEnvelopeCodec encodes the full record.
type JSONEnvelopeCodec struct{}

func (JSONEnvelopeCodec) Name() string {
	return "json"
}

func (JSONEnvelopeCodec) Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONEnvelopeCodec) Decode(payload []byte) (Envelope, error) {
	var e *Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if e == nil {
		return Envelope{}, fmt.Errorf("%w: payload is null", ErrMalformedEnvelope)
	}

	return *e, nil
}

// BareEnvelopeCodec carries only the traceparent; SleepTimeMillis is not
// transmitted and decodes as zero.
type BareEnvelopeCodec struct{}

func (BareEnvelopeCodec) Name() string {
	return "bare"
}

func (BareEnvelopeCodec) Encode(e Envelope) ([]byte, error) {
	return []byte(e.SpanContext), nil
}

func (BareEnvelopeCodec) Decode(payload []byte) (Envelope, error) {
	if !utf8.Valid(payload) {
		return Envelope{}, fmt.Errorf("%w: payload is not utf-8", ErrMalformedEnvelope)
	}

	return Envelope{SpanContext: strings.TrimSpace(string(payload))}, nil
}

func NewEnvelopeCodec(name string) (EnvelopeCodec, error) {
	switch name {
	case "", "json":
		return JSONEnvelopeCodec{}, nil
	case "bare":
		return BareEnvelopeCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
