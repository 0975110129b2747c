/*
Package events provides the in-memory event broker for Burrow's component bus.

The events package implements a lightweight broadcast bus for lifecycle
notifications. Every state transition in the engine is announced as an event,
and components react to each other's transitions exclusively through this bus.
No component reaches into another component's state.

# Architecture

The broker fans every published event out to every subscriber:

	Publisher → Event Channel (buffer: 256)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 64 each)

Publish is non-blocking for the common case: the event lands in the broker's
buffered channel and the broadcast loop delivers it. A subscriber whose buffer
is full is skipped for that event; a slow consumer can never stall the engine.
Each skip increments the subscriber's drop count (see Dropped) and the
burrow_events_dropped_total metric, so a consumer that misses events it waits
on — the workflow interpreter waiting on envelope.succeeded, for instance —
is visible rather than silently wedged.

# Event Catalog

Envelope lifecycle:
  - envelope.enqueued, envelope.leased, envelope.succeeded
  - envelope.failed, envelope.retried, envelope.revoked
  - envelope.expired, envelope.dead_lettered

Worker lifecycle:
  - worker.registered, worker.offline, worker.draining
  - worker.state_changed

Scheduling and workflow:
  - queue.arrival, job.run_finished, timer.fired
  - human_task.created, human_task.completed

The envelope.succeeded event carries the worker-reported output in its Output
field; the workflow interpreter consumes it to merge step results into
instance variables.

# Usage

Creating and starting the broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventEnvelopeSucceeded:
				handleSuccess(event.EnvelopeID, event.Output)
			case events.EventEnvelopeDeadLetter:
				alert(event.EnvelopeID, event.Reason)
			}
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:       events.EventEnvelopeEnqueued,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
	})

# Delivery Guarantees

Delivery is best effort and unordered across subscribers:

  - Events published before Stop are drained and delivered
  - A full subscriber buffer drops the event for that subscriber only
  - Unsubscribe closes the channel; ranging subscribers exit cleanly
  - Timestamps are stamped at publish when the caller leaves them zero

Components that need a durable record do not rely on the bus; the audit log
and archive record terminal transitions on their own paths.

# Integration Points

  - pkg/runtime publishes every envelope transition
  - pkg/workers publishes worker registration and liveness changes
  - pkg/workflow consumes envelope outcomes and timer firings
  - pkg/engine consumes terminal events for audit, chains, and job runs

# See Also

  - pkg/audit for the queryable record of what the bus announced
  - pkg/engine for the subscriber that drives cross-component behavior
*/
package events
