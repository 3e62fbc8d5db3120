package eventpubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

const DefaultEsdbURL = "esdb://localhost:2113?tls=false"

const esdbEventType = "Put"

// EsdbSession maps topics onto EventStoreDB streams. Subscriptions start
// at the end of the stream, so only changes appended after Subscribe are
// delivered.
type EsdbSession struct {
	db *esdb.Client

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewEsdbSession(ctx context.Context, cfg Config) (*EsdbSession, error) {
	url := DefaultEsdbURL
	if len(cfg.Peers) > 0 {
		url = cfg.Peers[0]
	}

	settings, err := esdb.ParseConnectionString(url)
	if err != nil {
		return nil, fmt.Errorf("esdbSession: failed to parse connection string: %w", err)
	}

	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("esdbSession: failed to create client: %w", err)
	}

	log.Infof("esdbSession: connected to %s", url)

	return &EsdbSession{
		db:   db,
		subs: make(map[*subscription]struct{}),
	}, nil
}

func (s *EsdbSession) System() string {
	return "eventstoredb"
}

func (s *EsdbSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *EsdbSession) Publish(ctx context.Context, topic eventmodels.Topic, payload []byte) error {
	if s.isClosed() {
		return eventmodels.ErrSessionClosed
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		ContentType: esdb.ContentTypeBinary,
		EventType:   esdbEventType,
		Data:        payload,
	}

	if _, err := s.db.AppendToStream(ctx, string(topic), esdb.AppendToStreamOptions{}, eventData); err != nil {
		return fmt.Errorf("esdbSession: failed to append event to stream %s: %w", topic, err)
	}

	return nil
}

func (s *EsdbSession) Subscribe(ctx context.Context, topic eventmodels.Topic) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventmodels.ErrSessionClosed
	}

	stream, err := s.db.SubscribeToStream(ctx, string(topic), esdb.SubscribeToStreamOptions{
		From: esdb.End{},
	})
	if err != nil {
		return nil, fmt.Errorf("esdbSession: failed to subscribe to stream %s: %w", topic, err)
	}

	var sub *subscription
	sub = newSubscription(topic, func() {
		if err := stream.Close(); err != nil {
			log.Debugf("esdbSession: closing subscription to %s: %v", topic, err)
		}

		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.subs[sub] = struct{}{}

	go s.receive(stream, sub)

	log.Infof("esdbSession: subscribed to stream %s", topic)
	return sub, nil
}

func (s *EsdbSession) receive(stream *esdb.Subscription, sub *subscription) {
	for {
		event := stream.Recv()

		if event.SubscriptionDropped != nil {
			log.Infof("esdbSession: subscription to %s dropped: %v", sub.topic, event.SubscriptionDropped.Error)
			sub.fail(fmt.Errorf("%w: %v", eventmodels.ErrSubscriptionClosed, event.SubscriptionDropped.Error))
			return
		}

		if event.EventAppeared == nil {
			continue
		}

		recorded := event.EventAppeared.Event
		if recorded == nil || recorded.EventType != esdbEventType {
			continue
		}

		sub.push(eventmodels.Change{
			Kind:      eventmodels.Put,
			Topic:     sub.topic,
			Payload:   recorded.Data,
			Timestamp: recorded.CreatedDate,
		})
	}
}

func (s *EsdbSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	return s.db.Close()
}
