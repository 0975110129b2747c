package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

// EventType represents the type of engine event
type EventType string

const (
	EventEnvelopeEnqueued   EventType = "envelope.enqueued"
	EventEnvelopeLeased     EventType = "envelope.leased"
	EventEnvelopeSucceeded  EventType = "envelope.succeeded"
	EventEnvelopeFailed     EventType = "envelope.failed"
	EventEnvelopeRetried    EventType = "envelope.retried"
	EventEnvelopeRevoked    EventType = "envelope.revoked"
	EventEnvelopeExpired    EventType = "envelope.expired"
	EventEnvelopeDeadLetter EventType = "envelope.dead_lettered"
	EventWorkerRegistered   EventType = "worker.registered"
	EventWorkerOffline      EventType = "worker.offline"
	EventWorkerDraining     EventType = "worker.draining"
	EventWorkerStateChanged EventType = "worker.state_changed"
	EventQueueArrival       EventType = "queue.arrival"
	EventJobRunFinished     EventType = "job.run_finished"
	EventTimerFired         EventType = "timer.fired"
	EventHumanTaskCreated   EventType = "human_task.created"
	EventHumanTaskCompleted EventType = "human_task.completed"
)

// Event is a cross-owner notification. Components never reach into each
// other's state; they communicate through these.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	EnvelopeID string
	Queue      string
	WorkerID   string
	JobRunID   string
	TimerID    string
	Reason     types.Reason

	// Output carries worker-reported results on envelope.succeeded
	Output map[string]types.Scalar

	Metadata map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]*atomic.Uint64 // value counts drops
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	done        chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*atomic.Uint64),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
	<-b.done
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = &atomic.Uint64{}
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Dropped returns how many events a subscriber has missed to a full
// buffer. Zero for unknown subscribers.
func (b *Broker) Dropped(sub Subscriber) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n, ok := b.subscribers[sub]; ok {
		return n.Load()
	}
	return 0
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			// Drain anything already queued before shutting down
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, dropped := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(string(event.Type)).Inc()
		}
	}
}
