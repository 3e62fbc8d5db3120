package eventpubsub

import (
	"sync"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

// subscription buffers pushed changes without bound so that a slow stage
// never blocks the publisher side of the bus.
type subscription struct {
	topic   eventmodels.Topic
	changes chan eventmodels.Change
	done    chan struct{}
	onClose func()

	mu      sync.Mutex
	cond    *sync.Cond
	pending []eventmodels.Change
	closed  bool
	err     error

	closeOnce sync.Once
}

func newSubscription(topic eventmodels.Topic, onClose func()) *subscription {
	s := &subscription{
		topic:   topic,
		changes: make(chan eventmodels.Change),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	s.cond = sync.NewCond(&s.mu)

	go s.pump()

	return s
}

func (s *subscription) Topic() eventmodels.Topic {
	return s.topic
}

func (s *subscription) Changes() <-chan eventmodels.Change {
	return s.changes
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) push(change eventmodels.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.pending = append(s.pending, change)
	s.cond.Signal()
	return true
}

func (s *subscription) pump() {
	defer close(s.changes)

	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}

		if s.closed {
			s.mu.Unlock()
			return
		}

		change := s.pending[0]
		s.pending[0] = eventmodels.Change{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.changes <- change:
		case <-s.done:
			return
		}
	}
}

// fail ends the subscription because the underlying transport went away.
func (s *subscription) fail(err error) {
	s.shutdown(err)
}

func (s *subscription) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *subscription) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.pending = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		close(s.done)

		if s.onClose != nil {
			s.onClose()
		}
	})
}

// router fans changes out to the local subscriptions of one session.
type router struct {
	mu     sync.Mutex
	subs   map[eventmodels.Topic]map[*subscription]struct{}
	closed bool
}

func newRouter() *router {
	return &router{
		subs: make(map[eventmodels.Topic]map[*subscription]struct{}),
	}
}

func (r *router) add(topic eventmodels.Topic, onClose func()) (*subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, eventmodels.ErrSessionClosed
	}

	var sub *subscription
	sub = newSubscription(topic, func() {
		r.remove(sub)
		if onClose != nil {
			onClose()
		}
	})

	if r.subs[topic] == nil {
		r.subs[topic] = make(map[*subscription]struct{})
	}
	r.subs[topic][sub] = struct{}{}

	return sub, nil
}

func (r *router) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs[sub.topic], sub)
}

func (r *router) dispatch(change eventmodels.Change) int {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs[change.Topic]))
	for sub := range r.subs[change.Topic] {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if sub.push(change) {
			delivered++
		}
	}

	return delivered
}

func (r *router) close() {
	r.mu.Lock()
	r.closed = true
	var subs []*subscription
	for _, topicSubs := range r.subs {
		for sub := range topicSubs {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
