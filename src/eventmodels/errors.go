package eventmodels

import "errors"

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrSessionClosed      = errors.New("session closed")
	ErrUnknownRole        = errors.New("unknown role")
	ErrUnknownMode        = errors.New("unknown session mode")
	ErrUnknownCodec       = errors.New("unknown envelope codec")
)
