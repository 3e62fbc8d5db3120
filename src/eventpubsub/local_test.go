package eventpubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/tracebus/src/eventmodels"
)

func receive(t *testing.T, sub Subscription) eventmodels.Change {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		require.True(t, ok, "subscription ended")
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	return eventmodels.Change{}
}

func assertNothing(t *testing.T, sub Subscription, wait time.Duration) {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		if ok {
			t.Fatalf("unexpected change on %s: %s", change.Topic, change.Payload)
		}
	case <-time.After(wait):
	}
}

func TestLocalSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish reaches subscribers of other sessions in order", func(t *testing.T) {
		bus := EventBus.New()
		publisher := NewLocalSession(bus)
		subscriber := NewLocalSession(bus)
		defer publisher.Close()
		defer subscriber.Close()

		sub, err := subscriber.Subscribe(ctx, eventmodels.SensorDataTopic)
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			require.NoError(t, publisher.Publish(ctx, eventmodels.SensorDataTopic, []byte(fmt.Sprintf("m%d", i))))
		}

		for i := 0; i < 20; i++ {
			change := receive(t, sub)
			assert.Equal(t, eventmodels.Put, change.Kind)
			assert.Equal(t, eventmodels.SensorDataTopic, change.Topic)
			assert.Equal(t, fmt.Sprintf("m%d", i), string(change.Payload))
			assert.False(t, change.Timestamp.IsZero())
		}
	})

	t.Run("Topics are isolated", func(t *testing.T) {
		session := NewLocalSession(EventBus.New())
		defer session.Close()

		sub, err := session.Subscribe(ctx, eventmodels.ActionTopic)
		require.NoError(t, err)

		require.NoError(t, session.Publish(ctx, eventmodels.SensorDataTopic, []byte("sensor")))
		session.Wait()
		assertNothing(t, sub, 50*time.Millisecond)
	})

	t.Run("Slow subscriber does not block publisher", func(t *testing.T) {
		session := NewLocalSession(EventBus.New())
		defer session.Close()

		sub, err := session.Subscribe(ctx, eventmodels.ActionTopic)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 100; i++ {
				_ = session.Publish(ctx, eventmodels.ActionTopic, []byte{byte(i)})
			}
			session.Wait()
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("publisher blocked by an idle subscriber")
		}

		assert.Equal(t, []byte{0}, receive(t, sub).Payload)
	})

	t.Run("Closed subscription receives nothing more", func(t *testing.T) {
		bus := EventBus.New()
		publisher := NewLocalSession(bus)
		subscriber := NewLocalSession(bus)
		defer publisher.Close()
		defer subscriber.Close()

		sub, err := subscriber.Subscribe(ctx, eventmodels.SensorDataTopic)
		require.NoError(t, err)
		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		require.NoError(t, publisher.Publish(ctx, eventmodels.SensorDataTopic, []byte("late")))
		publisher.Wait()

		_, ok := <-sub.Changes()
		assert.False(t, ok)
		assert.NoError(t, sub.Err())
	})

	t.Run("Closed session rejects operations", func(t *testing.T) {
		session := NewLocalSession(EventBus.New())
		sub, err := session.Subscribe(ctx, eventmodels.SensorDataTopic)
		require.NoError(t, err)

		require.NoError(t, session.Close())
		require.NoError(t, session.Close())

		_, ok := <-sub.Changes()
		assert.False(t, ok)

		assert.ErrorIs(t, session.Publish(ctx, eventmodels.SensorDataTopic, nil), eventmodels.ErrSessionClosed)
		_, err = session.Subscribe(ctx, eventmodels.SensorDataTopic)
		assert.ErrorIs(t, err, eventmodels.ErrSessionClosed)
	})
}

func TestSubscriptionFail(t *testing.T) {
	closed := false
	sub := newSubscription(eventmodels.ActionTopic, func() { closed = true })

	sub.fail(eventmodels.ErrSubscriptionClosed)

	_, ok := <-sub.Changes()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), eventmodels.ErrSubscriptionClosed)
	assert.True(t, closed)
	assert.False(t, sub.push(eventmodels.Change{Topic: eventmodels.ActionTopic}))
}

func TestConnectUnknownMode(t *testing.T) {
	_, err := Connect(context.Background(), Config{Mode: "router"})
	assert.ErrorIs(t, err, eventmodels.ErrUnknownMode)

	session, err := Connect(context.Background(), Config{Mode: LocalMode})
	require.NoError(t, err)
	assert.Equal(t, "eventbus", session.System())
	assert.NoError(t, session.Close())
}
