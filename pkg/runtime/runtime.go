package runtime

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/router"
	"github.com/burrowhq/burrow/pkg/sched"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/burrowhq/burrow/pkg/workers"
)

const (
	// DefaultLeaseTTL bounds a lease when the envelope carries no hard
	// time limit shorter than it
	DefaultLeaseTTL = 30 * time.Second

	dispatchInterval = 200 * time.Millisecond
	sweepInterval    = 1 * time.Second

	inboxSlack = 16
)

// timeNow is swapped in tests
var timeNow = time.Now

// Config tunes the runtime loops
type Config struct {
	LeaseTTL time.Duration
}

// Runtime is the envelope state machine. It is the sole mutator of
// envelopes once they are enqueued: queues, leases, retries, timeouts,
// expiry, and dead-lettering all happen here.
type Runtime struct {
	topo   func() router.Topology
	pool   *workers.Pool
	broker *events.Broker
	delay  *sched.DelayQueue
	config Config

	mu         sync.Mutex
	envelopes  map[string]*types.Envelope
	queues     map[string]*memQueue
	leases     map[string]*leaseRecord
	leaseByEnv map[string]string
	inboxes    map[string]chan string
	results    map[string][]TaskResult
	rng        *rand.Rand

	wakeCh chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	sub    events.Subscriber
}

// leaseRecord pairs the public lease with runtime-internal bookkeeping
type leaseRecord struct {
	lease     types.Lease
	ackMode   types.AckMode
	hardBound bool // deadline comes from the hard time limit, not lease TTL
	softAt    time.Time
	softSent  bool
}

// TaskResult is one retained task outcome
type TaskResult struct {
	EnvelopeID  string
	Output      map[string]types.Scalar
	CompletedAt time.Time
}

// New creates a runtime over the given topology view, worker pool, and
// event broker
func New(topo func() router.Topology, pool *workers.Pool, broker *events.Broker, config Config) *Runtime {
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	return &Runtime{
		topo:       topo,
		pool:       pool,
		broker:     broker,
		delay:      sched.NewDelayQueue(),
		config:     config,
		envelopes:  make(map[string]*types.Envelope),
		queues:     make(map[string]*memQueue),
		leases:     make(map[string]*leaseRecord),
		leaseByEnv: make(map[string]string),
		inboxes:    make(map[string]chan string),
		results:    make(map[string][]TaskResult),
		rng:        rand.New(rand.NewSource(timeNow().UnixNano())),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the dispatch and sweep loops
func (r *Runtime) Start() {
	r.sub = r.broker.Subscribe()
	go r.run()
}

// Stop stops the loops
func (r *Runtime) Stop() {
	close(r.stopCh)
	<-r.done
	r.broker.Unsubscribe(r.sub)
}

// Enqueue accepts a routed envelope onto its destination queue. The
// queue must already be set; pending envelopes with a future eligibility
// instant park on the delay queue first.
func (r *Runtime) Enqueue(env *types.Envelope) error {
	if env.Queue == "" {
		return fmt.Errorf("envelope %s has no destination queue", env.ID)
	}
	now := timeNow()
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = now
	}

	qdef, ok := r.topo().Queue(env.Queue)
	if !ok {
		return fmt.Errorf("queue %s not declared", env.Queue)
	}

	// queue-level TTL applies when the envelope has none of its own
	if env.ExpiresAt.IsZero() && qdef.MessageTTL > 0 {
		env.ExpiresAt = env.EnqueuedAt.Add(qdef.MessageTTL)
	}

	r.mu.Lock()
	q := r.ensureQueue(qdef)
	r.envelopes[env.ID] = env

	if eligible := env.EligibleAt(); eligible.After(now) {
		env.State = types.EnvelopePending
		r.delay.Push(env.ID, eligible)
		metrics.DelayQueueDepth.Set(float64(r.delay.Len()))
		r.mu.Unlock()
	} else {
		env.State = types.EnvelopeReady
		overflowed := r.pushReady(q, qdef, env)
		r.mu.Unlock()
		for _, victim := range overflowed {
			r.deadLetter(victim, types.ReasonMaxLength)
		}
	}

	r.broker.Publish(&events.Event{Type: events.EventEnvelopeEnqueued, EnvelopeID: env.ID, Queue: env.Queue})
	r.broker.Publish(&events.Event{Type: events.EventQueueArrival, EnvelopeID: env.ID, Queue: env.Queue})
	r.wake()
	return nil
}

// pushReady appends env and evicts from the head until the queue fits
// its declared bounds again. Called with the lock held; returns evicted
// envelopes for dead-lettering outside the lock.
func (r *Runtime) pushReady(q *memQueue, qdef *types.Queue, env *types.Envelope) []*types.Envelope {
	q.push(env)
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))

	var evicted []*types.Envelope
	for (qdef.MaxLength > 0 && q.count > qdef.MaxLength) ||
		(qdef.MaxLengthBytes > 0 && q.bytes > qdef.MaxLengthBytes) {
		id, ok := q.oldest()
		if !ok {
			break
		}
		q.remove(id, r.payloadBytes)
		victim := r.envelopes[id]
		victim.State = types.EnvelopeDeadLettered
		victim.DeadLetterReason = types.ReasonMaxLength
		evicted = append(evicted, victim)
	}
	if len(evicted) > 0 {
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
	}
	return evicted
}

func (r *Runtime) ensureQueue(def *types.Queue) *memQueue {
	q, ok := r.queues[def.Name]
	if !ok {
		q = newMemQueue(def)
		r.queues[def.Name] = q
	}
	return q
}

func (r *Runtime) payloadBytes(id string) int64 {
	if env, ok := r.envelopes[id]; ok {
		return int64(len(env.Payload))
	}
	return 0
}

func (r *Runtime) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Runtime) run() {
	defer close(r.done)
	logger := log.WithComponent("runtime")
	logger.Info().Dur("lease_ttl", r.config.LeaseTTL).Msg("Execution runtime started")

	dispatchTicker := time.NewTicker(dispatchInterval)
	defer dispatchTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			logger.Info().Msg("Execution runtime stopped")
			return
		case event := <-r.sub:
			r.handleEvent(event)
		case <-r.wakeCh:
			r.Dispatch(timeNow())
		case <-dispatchTicker.C:
			r.Dispatch(timeNow())
		case <-sweepTicker.C:
			now := timeNow()
			r.sweepExpired(now)
			r.sweepLeases(now)
		}
	}
}

func (r *Runtime) handleEvent(event *events.Event) {
	if event == nil {
		return
	}
	switch event.Type {
	case events.EventWorkerOffline:
		r.reclaimWorker(event.WorkerID)
		r.Dispatch(timeNow())
	case events.EventWorkerRegistered, events.EventWorkerStateChanged:
		r.Dispatch(timeNow())
	}
}

// Dispatch releases due delayed envelopes and places ready envelopes on
// eligible workers. Placement stops at the head of each queue so first
// delivery stays in order.
func (r *Runtime) Dispatch(now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchCycleDuration)

	r.releaseDue(now)

	topo := r.topo()

	r.mu.Lock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		qdef, ok := topo.Queue(name)
		if !ok {
			continue
		}
		r.dispatchQueue(now, qdef)
	}
}

func (r *Runtime) dispatchQueue(now time.Time, qdef *types.Queue) {
	for {
		r.mu.Lock()
		q, ok := r.queues[qdef.Name]
		if !ok || q.paused {
			r.mu.Unlock()
			return
		}
		id, ok := q.peek()
		if !ok {
			r.mu.Unlock()
			return
		}
		env := r.envelopes[id]
		if env == nil || env.State != types.EnvelopeReady {
			// revoked or already gone; drop the stale entry
			q.remove(id, r.payloadBytes)
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
			r.mu.Unlock()
			continue
		}
		if env.Expired(now) {
			q.remove(id, r.payloadBytes)
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
			r.mu.Unlock()
			r.expire(env)
			continue
		}
		r.mu.Unlock()

		workerID, err := r.pool.Place(qdef, env)
		if err != nil {
			// head of line cannot be placed; retried on the next cycle
			return
		}

		if !r.issueLease(now, qdef, env, workerID) {
			r.pool.Release(workerID, env.ResourceAsk)
			return
		}
	}
}

// issueLease moves a ready envelope to running on the given worker and
// hands it to the worker's inbox. Returns false if the envelope slipped
// away between placement and issuance.
func (r *Runtime) issueLease(now time.Time, qdef *types.Queue, env *types.Envelope, workerID string) bool {
	worker, ok := r.pool.Get(workerID)
	if !ok {
		return false
	}

	r.mu.Lock()
	q := r.queues[qdef.Name]
	if env.State != types.EnvelopeReady || q == nil {
		r.mu.Unlock()
		return false
	}
	q.remove(env.ID, r.payloadBytes)
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))

	env.State = types.EnvelopeRunning
	env.Attempt++

	ackMode := env.AckMode
	if ackMode == "" {
		ackMode = worker.AckMode
	}

	record := &leaseRecord{
		lease: types.Lease{
			ID:         newID(),
			EnvelopeID: env.ID,
			WorkerID:   workerID,
			Queue:      qdef.Name,
			IssuedAt:   now,
		},
		ackMode: ackMode,
	}
	record.lease.Deadline = now.Add(r.config.LeaseTTL)
	if env.HardTimeLimit > 0 {
		hard := now.Add(env.HardTimeLimit)
		if hard.Before(record.lease.Deadline) {
			record.lease.Deadline = hard
			record.hardBound = true
		}
	}
	if env.SoftTimeLimit > 0 {
		record.softAt = now.Add(env.SoftTimeLimit)
	}

	r.leases[record.lease.ID] = record
	r.leaseByEnv[env.ID] = record.lease.ID
	metrics.LeasesActive.Set(float64(len(r.leases)))

	inbox := r.inboxLocked(&worker)
	r.mu.Unlock()

	metrics.DeliveryLatency.WithLabelValues(qdef.Name).Observe(now.Sub(env.EligibleAt()).Seconds())
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeLeased,
		EnvelopeID: env.ID,
		Queue:      qdef.Name,
		WorkerID:   workerID,
	})

	select {
	case inbox <- record.lease.ID:
	default:
		// inbox full; the lease sweep reclaims it if the worker never
		// drains its backlog
		log.WithWorkerID(workerID).Warn().Str("envelope_id", env.ID).Msg("Worker inbox full")
	}
	return true
}

func (r *Runtime) inboxLocked(w *types.Worker) chan string {
	inbox, ok := r.inboxes[w.ID]
	if !ok {
		inbox = make(chan string, w.PrefetchWindow+w.SlotsTotal+inboxSlack)
		r.inboxes[w.ID] = inbox
	}
	return inbox
}

// releaseDue moves delayed envelopes whose eligibility instant passed
// onto their ready queues
func (r *Runtime) releaseDue(now time.Time) {
	due := r.delay.PopDue(now)
	if len(due) == 0 {
		return
	}
	metrics.DelayQueueDepth.Set(float64(r.delay.Len()))

	topo := r.topo()
	var evicted []*types.Envelope

	r.mu.Lock()
	for _, id := range due {
		env, ok := r.envelopes[id]
		if !ok || env.State != types.EnvelopePending {
			continue
		}
		if env.Expired(now) {
			r.mu.Unlock()
			r.expire(env)
			r.mu.Lock()
			continue
		}
		qdef, ok := topo.Queue(env.Queue)
		if !ok {
			continue
		}
		env.State = types.EnvelopeReady
		evicted = append(evicted, r.pushReady(r.ensureQueue(qdef), qdef, env)...)
	}
	r.mu.Unlock()

	for _, victim := range evicted {
		r.deadLetter(victim, types.ReasonMaxLength)
	}
}

// sweepExpired drops envelopes whose TTL elapsed while pending or ready.
// Running envelopes expire too; their lease is discarded.
func (r *Runtime) sweepExpired(now time.Time) {
	type release struct {
		workerID string
		ask      types.ResourceAsk
	}
	var expired []*types.Envelope
	var releases []release

	r.mu.Lock()
	for _, env := range r.envelopes {
		if env.State.Terminal() || !env.Expired(now) {
			continue
		}
		switch env.State {
		case types.EnvelopePending:
			r.delay.Cancel(env.ID)
		case types.EnvelopeReady:
			if q, ok := r.queues[env.Queue]; ok {
				q.remove(env.ID, r.payloadBytes)
				metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
			}
		case types.EnvelopeRunning:
			if workerID, ok := r.dropLeaseLocked(env.ID); ok {
				releases = append(releases, release{workerID: workerID, ask: env.ResourceAsk})
			}
		}
		expired = append(expired, env)
	}
	r.mu.Unlock()

	for _, rel := range releases {
		r.pool.Release(rel.workerID, rel.ask)
	}
	for _, env := range expired {
		r.expire(env)
	}
}

// sweepLeases handles soft-limit signals and reclaims leases past their
// deadline
func (r *Runtime) sweepLeases(now time.Time) {
	type reclaim struct {
		env       *types.Envelope
		workerID  string
		hardBound bool
	}
	var due []reclaim

	r.mu.Lock()
	for _, record := range r.leases {
		if !record.softSent && !record.softAt.IsZero() && now.After(record.softAt) {
			record.softSent = true
			log.WithEnvelopeID(record.lease.EnvelopeID).Warn().
				Str("worker_id", record.lease.WorkerID).
				Msg("Soft time limit exceeded")
		}
		if now.After(record.lease.Deadline) {
			if env, ok := r.envelopes[record.lease.EnvelopeID]; ok {
				due = append(due, reclaim{env: env, workerID: record.lease.WorkerID, hardBound: record.hardBound})
			}
		}
	}
	for i := range due {
		r.dropLeaseLocked(due[i].env.ID)
	}
	r.mu.Unlock()

	for _, d := range due {
		r.pool.Release(d.workerID, d.env.ResourceAsk)
		if d.hardBound {
			// hard time limit elapsed: the worker is presumed killed and
			// the envelope dead-letters
			r.deadLetter(d.env, types.ReasonTimeLimit)
			continue
		}
		r.requeueOrDeadLetter(d.env, types.ReasonWorkerLost, false)
	}
}

// reclaimWorker disposes of every outstanding lease of a lost worker
// according to its effective ack mode
func (r *Runtime) reclaimWorker(workerID string) {
	type reclaim struct {
		env     *types.Envelope
		ackMode types.AckMode
	}
	var lost []reclaim

	r.mu.Lock()
	for _, record := range r.leases {
		if record.lease.WorkerID != workerID {
			continue
		}
		if env, ok := r.envelopes[record.lease.EnvelopeID]; ok {
			lost = append(lost, reclaim{env: env, ackMode: record.ackMode})
		}
	}
	for _, l := range lost {
		r.dropLeaseLocked(l.env.ID)
	}
	delete(r.inboxes, workerID)
	r.mu.Unlock()

	for _, l := range lost {
		r.pool.Release(workerID, l.env.ResourceAsk)
		switch l.ackMode {
		case types.AckAuto:
			// acked at issuance; the work is simply gone
			r.finishLost(l.env, types.EnvelopeFailure)
			metrics.EnvelopesLostAutoAck.Inc()
			metrics.LeasesReclaimed.WithLabelValues("lost_auto_ack").Inc()
		case types.AckNone:
			r.finishLost(l.env, types.EnvelopeFailure)
			metrics.LeasesReclaimed.WithLabelValues("dropped").Inc()
		default:
			r.requeueOrDeadLetter(l.env, types.ReasonWorkerLost, false)
		}
	}
	if len(lost) > 0 {
		log.WithWorkerID(workerID).Warn().Int("leases", len(lost)).Msg("Reclaimed leases from lost worker")
	}
}

// dropLeaseLocked removes the lease bookkeeping for an envelope and
// returns the worker whose capacity the caller must release once the
// runtime lock is dropped
func (r *Runtime) dropLeaseLocked(envID string) (workerID string, ok bool) {
	leaseID, found := r.leaseByEnv[envID]
	if !found {
		return "", false
	}
	record := r.leases[leaseID]
	delete(r.leases, leaseID)
	delete(r.leaseByEnv, envID)
	metrics.LeasesActive.Set(float64(len(r.leases)))
	if record == nil {
		return "", false
	}
	return record.lease.WorkerID, true
}

func (r *Runtime) finishLost(env *types.Envelope, state types.EnvelopeState) {
	r.mu.Lock()
	env.State = state
	env.CompletedAt = timeNow()
	r.mu.Unlock()

	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(state)).Inc()
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeFailed,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		Reason:     types.ReasonWorkerLost,
	})
}

func (r *Runtime) expire(env *types.Envelope) {
	r.mu.Lock()
	if env.State.Terminal() {
		r.mu.Unlock()
		return
	}
	env.State = types.EnvelopeExpired
	env.CompletedAt = timeNow()
	r.mu.Unlock()

	metrics.EnvelopesTerminal.WithLabelValues(env.Queue, string(types.EnvelopeExpired)).Inc()
	r.broker.Publish(&events.Event{
		Type:       events.EventEnvelopeExpired,
		EnvelopeID: env.ID,
		Queue:      env.Queue,
		Reason:     types.ReasonExpired,
	})
	r.forwardDeadLetter(env, types.ReasonExpired)
}
