package eventpubsub

import (
	"context"
	"fmt"

	"github.com/asaskevich/EventBus"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

type Mode string

const (
	PeerMode   Mode = "peer"
	ClientMode Mode = "client"
	LocalMode  Mode = "local"
)

type Config struct {
	Mode      Mode     `yaml:"mode"`
	Peers     []string `yaml:"peer"`
	Listeners []string `yaml:"listener"`
}

// Session is a connection to the bus shared by one stage.
type Session interface {
	// System names the bus for the messaging.system span attribute.
	System() string
	Publish(ctx context.Context, topic eventmodels.Topic, payload []byte) error
	Subscribe(ctx context.Context, topic eventmodels.Topic) (Subscription, error)
	Close() error
}

// Subscription delivers the changes published to one topic, in order.
type Subscription interface {
	Topic() eventmodels.Topic
	// Changes is closed once the subscription ends.
	Changes() <-chan eventmodels.Change
	// Err reports why the subscription ended, or nil if it was closed
	// by its owner or is still running.
	Err() error
	Close() error
}

func Connect(ctx context.Context, cfg Config) (Session, error) {
	switch cfg.Mode {
	case LocalMode:
		return NewLocalSession(EventBus.New()), nil
	case ClientMode:
		return NewEsdbSession(ctx, cfg)
	case PeerMode, "":
		return NewPeerSession(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", eventmodels.ErrUnknownMode, cfg.Mode)
	}
}
