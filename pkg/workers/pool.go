package workers

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

const (
	// DefaultHeartbeatInterval applies when a worker registers without one
	DefaultHeartbeatInterval = 10 * time.Second

	// missedBeatsOffline is how many consecutive missed heartbeats mark a
	// worker offline
	missedBeatsOffline = 3

	monitorInterval = 2 * time.Second
)

// timeNow is swapped in tests
var timeNow = time.Now

// Pool owns the registered worker set. Placement mutates the free
// capacity counters under the pool's lock; nothing else writes them.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*types.Worker

	rrCursor map[string]int // per-queue round-robin position
	rng      *rand.Rand

	broker *events.Broker
	stopCh chan struct{}
	done   chan struct{}
}

// NewPool creates an empty pool publishing lifecycle events on broker
func NewPool(broker *events.Broker) *Pool {
	return &Pool{
		workers:  make(map[string]*types.Worker),
		rrCursor: make(map[string]int),
		rng:      rand.New(rand.NewSource(timeNow().UnixNano())),
		broker:   broker,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the heartbeat monitor loop
func (p *Pool) Start() {
	go p.monitor()
}

// Stop stops the heartbeat monitor loop
func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.done
}

// Register adds a worker. Re-registering an offline worker brings it
// back online with fresh capacity.
func (p *Pool) Register(w *types.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("worker ID is required")
	}
	if w.SlotsTotal <= 0 {
		return fmt.Errorf("worker %s: slots must be positive", w.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.workers[w.ID]; ok && existing.State != types.WorkerOffline {
		return fmt.Errorf("worker %s is already registered", w.ID)
	}

	now := timeNow()
	w.SlotsFree = w.SlotsTotal
	w.CPUFree = w.CPUTotal
	w.MemoryFree = w.MemoryTotal
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if w.PrefetchWindow <= 0 {
		w.PrefetchWindow = 1
	}
	if w.AckMode == "" {
		w.AckMode = types.AckManual
	}
	if w.Weight <= 0 {
		w.Weight = 1
	}
	w.State = types.WorkerIdle
	w.RegisteredAt = now
	w.LastHeartbeat = now

	p.workers[w.ID] = w
	p.updateStateGauges()

	log.WithWorkerID(w.ID).Info().
		Int("slots", w.SlotsTotal).
		Strs("subscriptions", w.Subscriptions).
		Strs("labels", w.Labels).
		Msg("Worker registered")

	p.broker.Publish(&events.Event{Type: events.EventWorkerRegistered, WorkerID: w.ID})
	return nil
}

// Deregister removes a worker outright. Its outstanding leases are
// reclaimed by whoever observes the offline event.
func (p *Pool) Deregister(id string) error {
	p.mu.Lock()
	if _, ok := p.workers[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s not found", id)
	}
	delete(p.workers, id)
	p.updateStateGauges()
	p.mu.Unlock()

	log.WithWorkerID(id).Info().Msg("Worker deregistered")
	p.broker.Publish(&events.Event{Type: events.EventWorkerOffline, WorkerID: id})
	return nil
}

// Heartbeat refreshes a worker's liveness. An offline worker must
// re-register; its heartbeat is rejected.
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	if w.State == types.WorkerOffline {
		return fmt.Errorf("worker %s is offline; re-register", id)
	}
	w.LastHeartbeat = timeNow()
	return nil
}

// Drain stops new placements on a worker while it finishes current work
func (p *Pool) Drain(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s not found", id)
	}
	if w.State == types.WorkerOffline {
		p.mu.Unlock()
		return fmt.Errorf("worker %s is offline", id)
	}
	w.State = types.WorkerDraining
	p.updateStateGauges()
	p.mu.Unlock()

	log.WithWorkerID(id).Info().Msg("Worker draining")
	p.broker.Publish(&events.Event{Type: events.EventWorkerDraining, WorkerID: id})
	return nil
}

// Get returns a copy of a worker's record
func (p *Pool) Get(id string) (types.Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	if !ok {
		return types.Worker{}, false
	}
	return *w, true
}

// List returns copies of all workers, sorted by ID
func (p *Pool) List() []types.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountsByState returns worker counts keyed by state
func (p *Pool) CountsByState() map[types.WorkerState]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counts := make(map[types.WorkerState]int)
	for _, w := range p.workers {
		counts[w.State]++
	}
	return counts
}

// Reserve takes capacity on a worker for one envelope. Fails when the
// worker cannot currently fit the ask.
func (p *Pool) Reserve(id string, ask types.ResourceAsk) error {
	ask = ask.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	if !fits(w, ask) {
		return fmt.Errorf("worker %s cannot fit ask", id)
	}
	w.SlotsFree -= ask.Slots
	w.CPUFree -= ask.CPU
	w.MemoryFree -= ask.MemoryBytes
	if w.State == types.WorkerIdle {
		w.State = types.WorkerBusy
		p.updateStateGauges()
	}
	return nil
}

// Release returns capacity reserved for one envelope
func (p *Pool) Release(id string, ask types.ResourceAsk) {
	ask = ask.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return
	}
	w.SlotsFree += ask.Slots
	if w.SlotsFree > w.SlotsTotal {
		w.SlotsFree = w.SlotsTotal
	}
	w.CPUFree += ask.CPU
	if w.CPUFree > w.CPUTotal {
		w.CPUFree = w.CPUTotal
	}
	w.MemoryFree += ask.MemoryBytes
	if w.MemoryFree > w.MemoryTotal {
		w.MemoryFree = w.MemoryTotal
	}
	if w.State == types.WorkerBusy && w.SlotsFree == w.SlotsTotal {
		w.State = types.WorkerIdle
		p.updateStateGauges()
	}
}

// StrandedQueues returns the names of queues whose capability labels no
// live worker satisfies
func (p *Pool) StrandedQueues(queues []*types.Queue) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stranded []string
	for _, q := range queues {
		covered := false
		for _, w := range p.workers {
			if w.State == types.WorkerOffline || w.State == types.WorkerDraining {
				continue
			}
			if w.Subscribed(q.Name) && w.HasLabels(q.CapabilityLabels) {
				covered = true
				break
			}
		}
		if !covered {
			stranded = append(stranded, q.Name)
		}
	}
	sort.Strings(stranded)
	return stranded
}

func (p *Pool) monitor() {
	defer close(p.done)
	logger := log.WithComponent("worker-pool")

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, id := range p.sweepOffline() {
				logger.Warn().Str("worker_id", id).Msg("Worker missed heartbeats, marking offline")
				p.broker.Publish(&events.Event{
					Type:     events.EventWorkerOffline,
					WorkerID: id,
					Reason:   types.ReasonWorkerLost,
				})
			}
		}
	}
}

// sweepOffline marks workers that missed their heartbeat budget and
// returns their IDs
func (p *Pool) sweepOffline() []string {
	now := timeNow()

	p.mu.Lock()
	defer p.mu.Unlock()

	var lost []string
	for id, w := range p.workers {
		if w.State == types.WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > time.Duration(missedBeatsOffline)*w.HeartbeatInterval {
			w.State = types.WorkerOffline
			lost = append(lost, id)
		}
	}
	if len(lost) > 0 {
		p.updateStateGauges()
	}
	sort.Strings(lost)
	return lost
}

func (p *Pool) updateStateGauges() {
	counts := make(map[types.WorkerState]int)
	for _, w := range p.workers {
		counts[w.State]++
	}
	for _, state := range []types.WorkerState{
		types.WorkerIdle, types.WorkerBusy, types.WorkerDraining, types.WorkerOffline,
	} {
		metrics.WorkersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func fits(w *types.Worker, ask types.ResourceAsk) bool {
	return w.SlotsFree >= ask.Slots &&
		w.CPUFree >= ask.CPU &&
		w.MemoryFree >= ask.MemoryBytes
}
