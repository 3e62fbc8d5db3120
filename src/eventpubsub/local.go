package eventpubsub

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

// LocalSession is a session on an in-process EventBus. Sessions created on
// the same bus see each other's publications.
type LocalSession struct {
	bus    EventBus.Bus
	router *router

	mu         sync.Mutex
	registered map[eventmodels.Topic]bool
	closed     bool
}

func NewLocalSession(bus EventBus.Bus) *LocalSession {
	return &LocalSession{
		bus:        bus,
		router:     newRouter(),
		registered: make(map[eventmodels.Topic]bool),
	}
}

func (s *LocalSession) System() string {
	return "eventbus"
}

func (s *LocalSession) Publish(ctx context.Context, topic eventmodels.Topic, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return eventmodels.ErrSessionClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.bus.Publish(string(topic), eventmodels.Change{
		Kind:      eventmodels.Put,
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	})

	log.Debugf("eventbus: published %d bytes to %s", len(payload), topic)
	return nil
}

func (s *LocalSession) Subscribe(ctx context.Context, topic eventmodels.Topic) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventmodels.ErrSessionClosed
	}

	sub, err := s.router.add(topic, nil)
	if err != nil {
		return nil, err
	}

	// Handlers are never unsubscribed: EventBus matches handlers by code
	// pointer, which every closure below shares. The router drops changes
	// once the session is closed.
	if !s.registered[topic] {
		if err := s.bus.SubscribeAsync(string(topic), s.router.dispatch, true); err != nil {
			sub.Close()
			return nil, err
		}
		s.registered[topic] = true
	}

	log.Infof("eventbus: subscribed to topic %s", topic)
	return sub, nil
}

// Wait blocks until every publication made so far has reached the
// subscriptions of all sessions on the bus.
func (s *LocalSession) Wait() {
	s.bus.WaitAsync()
}

func (s *LocalSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.router.close()
	return nil
}
