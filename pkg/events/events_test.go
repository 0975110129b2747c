package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event within a second")
		return nil
	}
}

// TestPublishFanOut tests that every subscriber sees every event
func TestPublishFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(&Event{Type: EventEnvelopeEnqueued, EnvelopeID: "e1"})

	for _, sub := range []Subscriber{a, c} {
		event := receive(t, sub)
		assert.Equal(t, EventEnvelopeEnqueued, event.Type)
		assert.Equal(t, "e1", event.EnvelopeID)
		assert.False(t, event.Timestamp.IsZero(), "publish stamps the event")
	}
}

// TestUnsubscribeClosesChannel tests that an unsubscribed channel closes
// and receives nothing further
func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	// A second unsubscribe of the same channel is a no-op
	b.Unsubscribe(sub)
}

// TestSlowSubscriberDropped tests that a full subscriber buffer drops
// events instead of blocking the broker
func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	slow := b.Subscribe()

	// Overrun the 64-slot subscriber buffer without reading
	for i := 0; i < 100; i++ {
		b.Publish(&Event{Type: EventQueueArrival, Queue: "work"})
	}

	// The broker is still live: a fresh subscriber sees the next event,
	// possibly after a tail of the backlog still in flight
	fresh := b.Subscribe()
	b.Publish(&Event{Type: EventEnvelopeEnqueued, EnvelopeID: "after"})
	for receive(t, fresh).EnvelopeID != "after" {
	}

	drained := 0
	for {
		select {
		case <-slow:
			drained++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, drained, 64)
	assert.Greater(t, drained, 0)

	assert.Greater(t, b.Dropped(slow), uint64(0), "drops are counted")
}

// TestDroppedUnknownSubscriber tests the counter of a channel the broker
// never issued
func TestDroppedUnknownSubscriber(t *testing.T) {
	b := NewBroker()
	assert.Zero(t, b.Dropped(make(Subscriber)))
}

// TestStopDrainsQueued tests that events published before stop still
// reach subscribers
func TestStopDrainsQueued(t *testing.T) {
	b := NewBroker()
	b.Start()

	sub := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(&Event{Type: EventEnvelopeSucceeded, EnvelopeID: "e"})
	}
	b.Stop()

	seen := 0
	for i := 0; i < 10; i++ {
		select {
		case event := <-sub:
			require.NotNil(t, event)
			seen++
		default:
		}
	}
	assert.Equal(t, 10, seen)
}

// TestPublishAfterStop tests that a late publish returns instead of
// blocking
func TestPublishAfterStop(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventEnvelopeFailed})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
