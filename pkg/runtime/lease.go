package runtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/router"
	"github.com/burrowhq/burrow/pkg/types"
)

func newID() string {
	return uuid.New().String()
}

// AcquireLease blocks up to timeout for the next delivery assigned to the
// worker. Returns nil envelope when nothing arrives in time. Deliveries
// whose envelope was revoked or reclaimed in the meantime are skipped.
func (r *Runtime) AcquireLease(workerID string, timeout time.Duration) (*types.Envelope, *types.Lease, error) {
	worker, ok := r.pool.Get(workerID)
	if !ok {
		return nil, nil, fmt.Errorf("worker %s not registered", workerID)
	}

	r.mu.Lock()
	inbox := r.inboxLocked(&worker)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case leaseID := <-inbox:
			r.mu.Lock()
			record, ok := r.leases[leaseID]
			if !ok {
				r.mu.Unlock()
				continue
			}
			env := r.envelopes[record.lease.EnvelopeID]
			if env == nil || env.State != types.EnvelopeRunning {
				r.mu.Unlock()
				continue
			}
			envCopy := *env
			lease := record.lease
			r.mu.Unlock()
			return &envCopy, &lease, nil
		case <-timer.C:
			return nil, nil, nil
		case <-r.stopCh:
			return nil, nil, fmt.Errorf("runtime is shutting down")
		}
	}
}

// Ack completes a lease successfully. Output is recorded for result
// retention and forwarded to subscribers; chains and workflow
// advancement hang off the success event.
func (r *Runtime) Ack(leaseID string, output map[string]types.Scalar) error {
	r.mu.Lock()
	record, ok := r.leases[leaseID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("lease %s not found", leaseID)
	}
	env := r.envelopes[record.lease.EnvelopeID]
	workerID, _ := r.dropLeaseLocked(record.lease.EnvelopeID)

	if env == nil || env.State != types.EnvelopeRunning {
		// revoked while running; the late ack is discarded
		r.mu.Unlock()
		if workerID != "" && env != nil {
			r.pool.Release(workerID, env.ResourceAsk)
		}
		return nil
	}

	env.State = types.EnvelopeSuccess
	env.CompletedAt = timeNow()
	r.recordResultLocked(env, output)
	r.mu.Unlock()

	r.pool.Release(workerID, env.ResourceAsk)
	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(types.EnvelopeSuccess)).Inc()

	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeSucceeded,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		WorkerID:   workerID,
		Output:     output,
	})
	r.wake()
	return nil
}

// Nack reports failure of a leased envelope. With requeue the envelope
// re-enters via the delay queue after its backoff; without, it
// dead-letters with reason rejected. Either way, exceeding the attempt
// budget dead-letters with reason max-attempts.
func (r *Runtime) Nack(leaseID string, requeue bool) error {
	r.mu.Lock()
	record, ok := r.leases[leaseID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("lease %s not found", leaseID)
	}
	if record.ackMode == types.AckAuto {
		r.mu.Unlock()
		return fmt.Errorf("lease %s is auto-acked; nack is not possible", leaseID)
	}
	env := r.envelopes[record.lease.EnvelopeID]
	workerID, _ := r.dropLeaseLocked(record.lease.EnvelopeID)
	revoked := env == nil || env.State != types.EnvelopeRunning
	r.mu.Unlock()

	if env != nil && workerID != "" {
		r.pool.Release(workerID, env.ResourceAsk)
	}
	if revoked {
		return nil
	}

	if requeue || env.RequeueOnNack {
		r.requeueOrDeadLetter(env, types.ReasonMaxAttempts, true)
		return nil
	}

	r.mu.Lock()
	env.State = types.EnvelopeFailure
	env.CompletedAt = timeNow()
	r.mu.Unlock()

	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(types.EnvelopeFailure)).Inc()
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeFailed,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		Reason:     types.ReasonRejected,
	})
	r.forwardDeadLetter(env, types.ReasonRejected)
	r.wake()
	return nil
}

// ExtendLease pushes a lease deadline out, never past the envelope's
// hard time limit
func (r *Runtime) ExtendLease(leaseID string, extra time.Duration) error {
	if extra <= 0 {
		return fmt.Errorf("extension must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.leases[leaseID]
	if !ok {
		return fmt.Errorf("lease %s not found", leaseID)
	}
	env := r.envelopes[record.lease.EnvelopeID]

	deadline := record.lease.Deadline.Add(extra)
	record.hardBound = false
	if env != nil && env.HardTimeLimit > 0 {
		hard := record.lease.IssuedAt.Add(env.HardTimeLimit)
		if deadline.After(hard) {
			deadline = hard
			record.hardBound = true
		}
	}
	record.lease.Deadline = deadline
	return nil
}

// Revoke cancels a pre-terminal envelope. Ready and pending envelopes
// are dropped before lease; a running envelope's lease is discarded and
// any later ack or nack from its worker is ignored.
func (r *Runtime) Revoke(envelopeID string) error {
	r.mu.Lock()
	env, ok := r.envelopes[envelopeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("envelope %s not found", envelopeID)
	}
	if env.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("envelope %s is already %s", envelopeID, env.State)
	}

	var workerID string
	switch env.State {
	case types.EnvelopePending:
		r.delay.Cancel(env.ID)
		metrics.DelayQueueDepth.Set(float64(r.delay.Len()))
	case types.EnvelopeReady:
		if q, ok := r.queues[env.Queue]; ok {
			q.remove(env.ID, r.payloadBytes)
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
		}
	case types.EnvelopeRunning:
		workerID, _ = r.dropLeaseLocked(env.ID)
	}

	env.State = types.EnvelopeRevoked
	env.CompletedAt = timeNow()
	r.mu.Unlock()

	if workerID != "" {
		r.pool.Release(workerID, env.ResourceAsk)
	}
	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(types.EnvelopeRevoked)).Inc()
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeRevoked,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		Reason:     types.ReasonCancelled,
	})
	r.wake()
	return nil
}

// requeueOrDeadLetter returns a failed envelope to the delay queue, or
// dead-letters it with dlqReason once its attempt budget is spent. A
// zero budget means unlimited redelivery, the plain-broker behavior.
func (r *Runtime) requeueOrDeadLetter(env *types.Envelope, dlqReason types.Reason, withBackoff bool) {
	r.mu.Lock()
	if env.MaxAttempts > 0 && env.Attempt > env.MaxAttempts {
		r.mu.Unlock()
		r.deadLetter(env, dlqReason)
		return
	}

	delay := time.Duration(0)
	if withBackoff {
		delay = backoffDelay(env.Backoff, env.Attempt, r.rng.Float64())
	}
	env.State = types.EnvelopePending
	env.NotBefore = timeNow().Add(delay)
	r.delay.Push(env.ID, env.NotBefore)
	metrics.DelayQueueDepth.Set(float64(r.delay.Len()))
	r.mu.Unlock()

	metrics.EnvelopesRetried.WithLabelValues(env.Queue).Inc()
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeRetried,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
	})
	r.wake()
}

// backoffDelay computes min(cap, initial * multiplier^(attempt-1))
// scaled by a uniform jitter factor. u is a uniform sample in [0,1).
func backoffDelay(spec types.BackoffSpec, attempt int, u float64) time.Duration {
	if spec.Initial <= 0 {
		return 0
	}
	multiplier := spec.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(spec.Initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if spec.Cap > 0 && delay >= float64(spec.Cap) {
			delay = float64(spec.Cap)
			break
		}
	}
	if spec.Cap > 0 && delay > float64(spec.Cap) {
		delay = float64(spec.Cap)
	}

	if spec.Jitter > 0 {
		factor := 1 - spec.Jitter + 2*spec.Jitter*u
		delay *= factor
	}
	return time.Duration(delay)
}

// deadLetter terminates an envelope and forwards a synthesized copy to
// its queue's dead-letter target
func (r *Runtime) deadLetter(env *types.Envelope, reason types.Reason) {
	r.mu.Lock()
	env.State = types.EnvelopeDeadLettered
	env.DeadLetterReason = reason
	env.CompletedAt = timeNow()
	r.mu.Unlock()

	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(types.EnvelopeDeadLettered)).Inc()
	metrics.EnvelopesDeadLettered.WithLabelValues(env.Queue, string(reason)).Inc()
	log.WithEnvelopeID(env.ID).Warn().
		Str("queue", env.Queue).
		Str("reason", string(reason)).
		Msg("Envelope dead-lettered")

	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeDeadLetter,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		Reason:     reason,
	})
	r.forwardDeadLetter(env, reason)
}

// forwardDeadLetter synthesizes the dead-letter copy and routes it
// through the source queue's target exchange with the normal router. No
// target, or no binding match, drops the copy.
func (r *Runtime) forwardDeadLetter(env *types.Envelope, reason types.Reason) {
	topo := r.topo()
	qdef, ok := topo.Queue(env.Queue)
	if !ok || qdef.DeadLetter == nil {
		if reason == types.ReasonExpired {
			metrics.EnvelopesExpiredDrop.Inc()
		}
		return
	}

	key := qdef.DeadLetter.RoutingKey
	if key == "" {
		key = env.RoutingKey
	}
	result := router.Route(topo, qdef.DeadLetter.Exchange, key, env.Headers)
	if len(result.Queues) == 0 {
		if reason == types.ReasonExpired {
			metrics.EnvelopesExpiredDrop.Inc()
		}
		log.WithEnvelopeID(env.ID).Warn().
			Str("exchange", qdef.DeadLetter.Exchange).
			Str("reason", string(result.Reason)).
			Msg("Dead-letter copy is unroutable, dropping")
		return
	}

	originalID := env.ID
	if env.OriginalID != "" {
		originalID = env.OriginalID
	}

	for _, queue := range result.Queues {
		copyEnv := &types.Envelope{
			ID:          newID(),
			Kind:        env.Kind,
			Correlation: env.Correlation,
			Parent:      env.Parent,
			OriginalID:  originalID,
			Payload:     env.Payload,
			ContentType: env.ContentType,
			Headers:     env.Headers,
			Attributes:  env.Attributes,
			RoutingKey:  key,
			Priority:    env.Priority,
			AckMode:     types.AckManual,
			MaxAttempts: 1,
			TaskDef:     env.TaskDef,
			Queue:       queue,
			DeadLetterReason: reason,
		}
		if err := r.Enqueue(copyEnv); err != nil {
			log.WithEnvelopeID(env.ID).Error().Err(err).
				Str("queue", queue).
				Msg("Failed to enqueue dead-letter copy")
		}
	}
}

// recordResultLocked retains the last N outputs of a task definition
func (r *Runtime) recordResultLocked(env *types.Envelope, output map[string]types.Scalar) {
	if env.TaskDef == "" {
		return
	}
	def, ok := r.topo().Task(env.TaskDef)
	if !ok || def.ResultRetention <= 0 {
		return
	}
	results := append(r.results[env.TaskDef], TaskResult{
		EnvelopeID:  env.ID,
		Output:      output,
		CompletedAt: env.CompletedAt,
	})
	if len(results) > def.ResultRetention {
		results = results[len(results)-def.ResultRetention:]
	}
	r.results[env.TaskDef] = results
}
