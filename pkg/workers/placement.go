package workers

import (
	"fmt"
	"sort"

	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

// ErrNoCandidate is returned when no registered worker can take an
// envelope right now. The envelope stays queued; placement retries on the
// next dispatch cycle.
var ErrNoCandidate = fmt.Errorf("no eligible worker")

// Candidates returns workers eligible for an envelope on a queue:
// subscribed, carrying the queue and envelope capability labels, and with
// room for the envelope's resource ask. Draining and offline workers
// never receive new work.
func (p *Pool) Candidates(q *types.Queue, env *types.Envelope) []*types.Worker {
	ask := env.ResourceAsk.Normalize()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*types.Worker
	for _, w := range p.workers {
		if w.State == types.WorkerOffline || w.State == types.WorkerDraining {
			continue
		}
		if !w.Subscribed(q.Name) {
			continue
		}
		if !w.HasLabels(q.CapabilityLabels) || !w.HasLabels(env.RequiredCapabilities) {
			continue
		}
		if !fits(w, ask) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Place picks a worker for the envelope by the queue's placement strategy
// and reserves its capacity. Returns ErrNoCandidate when nothing fits.
func (p *Pool) Place(q *types.Queue, env *types.Envelope) (string, error) {
	candidates := p.Candidates(q, env)
	if len(candidates) == 0 {
		metrics.PlacementAttempts.WithLabelValues(q.Name, "no_candidate").Inc()
		return "", ErrNoCandidate
	}

	p.mu.Lock()
	chosen := p.pick(q, candidates)
	ask := env.ResourceAsk.Normalize()
	// capacity may have moved between Candidates and here; re-check
	if !fits(chosen, ask) {
		for _, w := range candidates {
			if fits(w, ask) {
				chosen = w
				break
			}
		}
		if !fits(chosen, ask) {
			p.mu.Unlock()
			metrics.PlacementAttempts.WithLabelValues(q.Name, "no_candidate").Inc()
			return "", ErrNoCandidate
		}
	}
	chosen.SlotsFree -= ask.Slots
	chosen.CPUFree -= ask.CPU
	chosen.MemoryFree -= ask.MemoryBytes
	if chosen.State == types.WorkerIdle {
		chosen.State = types.WorkerBusy
		p.updateStateGauges()
	}
	p.mu.Unlock()

	metrics.PlacementAttempts.WithLabelValues(q.Name, "placed").Inc()
	return chosen.ID, nil
}

// pick applies the queue's placement strategy over candidates. Called
// with the pool lock held.
func (p *Pool) pick(q *types.Queue, candidates []*types.Worker) *types.Worker {
	switch q.Placement {
	case types.PlaceRoundRobin:
		cursor := p.rrCursor[q.Name]
		chosen := candidates[cursor%len(candidates)]
		p.rrCursor[q.Name] = cursor + 1
		return chosen

	case types.PlaceRandom:
		return candidates[p.rng.Intn(len(candidates))]

	case types.PlaceWeighted:
		total := 0
		for _, w := range candidates {
			total += w.Weight
		}
		n := p.rng.Intn(total)
		for _, w := range candidates {
			n -= w.Weight
			if n < 0 {
				return w
			}
		}
		return candidates[len(candidates)-1]

	default: // least-loaded
		best := candidates[0]
		bestFree := best.SlotsFree
		ties := []*types.Worker{best}
		for _, w := range candidates[1:] {
			switch {
			case w.SlotsFree > bestFree:
				best, bestFree = w, w.SlotsFree
				ties = ties[:0]
				ties = append(ties, w)
			case w.SlotsFree == bestFree:
				ties = append(ties, w)
			}
		}
		if len(ties) == 1 {
			return best
		}
		// break ties round-robin so equal workers share the load
		cursor := p.rrCursor[q.Name]
		p.rrCursor[q.Name] = cursor + 1
		return ties[cursor%len(ties)]
	}
}
