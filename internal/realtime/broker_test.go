package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case evt := <-s.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
		return Event{}
	}
}

func TestBrokerFansOut(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	sent := b.Publish(Event{Type: TypeRunFailed, RunID: "r1", Reason: "no progress since creation"})
	assert.Equal(t, int64(1), sent.ID)

	for _, s := range []*Subscription{a, c} {
		evt := receive(t, s)
		assert.Equal(t, TypeRunFailed, evt.Type)
		assert.Equal(t, "r1", evt.RunID)
		assert.Equal(t, int64(1), evt.ID)
		assert.False(t, evt.At.IsZero())
	}
}

func TestBrokerFiltersByType(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	failures := b.Subscribe(TypeRunFailed, "")
	defer failures.Close()

	b.Publish(Event{Type: TypeSweepCompleted, Trigger: "scheduled"})
	b.Publish(Event{Type: TypeRunFailed, RunID: "r2"})

	evt := receive(t, failures)
	assert.Equal(t, "r2", evt.RunID)
	assert.Equal(t, int64(2), evt.ID, "ids count every published event")
	assert.Empty(t, failures.Events())
	assert.Zero(t, failures.Dropped())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	s := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())
	s.Close()
	s.Close()
	assert.Zero(t, b.Subscribers())

	_, ok := <-s.Events()
	require.False(t, ok)

	// Publishing without subscribers must not block.
	b.Publish(Event{Type: TypeSweepCompleted})
}

func TestBrokerCountsDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	s := b.Subscribe(TypeRunResumed)
	defer s.Close()

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TypeRunResumed})
		b.Publish(Event{Type: TypeCleanupCompleted})
	}
	assert.Len(t, s.Events(), SubscriberBuffer)
	assert.Equal(t, int64(100-SubscriberBuffer), s.Dropped())
}
