package runtime

import (
	"fmt"
	"sort"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
)

// QueueStats is a point-in-time view of one queue
type QueueStats struct {
	Name    string
	Ready   int
	Bytes   int64
	Running int
	Paused  bool
}

// PauseQueue stops lease issuance on a queue; envelopes keep
// accumulating
func (r *Runtime) PauseQueue(name string) error {
	qdef, ok := r.topo().Queue(name)
	if !ok {
		return fmt.Errorf("queue %s not declared", name)
	}

	r.mu.Lock()
	r.ensureQueue(qdef).paused = true
	r.mu.Unlock()

	log.WithQueue(name).Info().Msg("Queue paused")
	return nil
}

// ResumeQueue restarts lease issuance on a paused queue
func (r *Runtime) ResumeQueue(name string) error {
	r.mu.Lock()
	q, ok := r.queues[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("queue %s not declared", name)
	}
	q.paused = false
	r.mu.Unlock()

	log.WithQueue(name).Info().Msg("Queue resumed")
	r.wake()
	return nil
}

// Envelope returns a copy of an envelope by ID
func (r *Runtime) Envelope(id string) (types.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[id]
	if !ok {
		return types.Envelope{}, false
	}
	return *env, true
}

// Stats returns point-in-time statistics for one queue
func (r *Runtime) Stats(name string) (QueueStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		if _, declared := r.topo().Queue(name); !declared {
			return QueueStats{}, false
		}
		return QueueStats{Name: name}, true
	}

	stats := QueueStats{Name: name, Ready: q.count, Bytes: q.bytes, Paused: q.paused}
	for _, record := range r.leases {
		if record.lease.Queue == name {
			stats.Running++
		}
	}
	return stats, true
}

// Depths returns the ready depth of every queue the runtime has seen
func (r *Runtime) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.queues))
	for name, q := range r.queues {
		out[name] = q.count
	}
	return out
}

// TotalBacklog returns ready plus delayed envelopes across all queues
func (r *Runtime) TotalBacklog() int {
	r.mu.Lock()
	total := 0
	for _, q := range r.queues {
		total += q.count
	}
	r.mu.Unlock()
	return total + r.delay.Len()
}

// ActiveLeases returns the number of outstanding leases
func (r *Runtime) ActiveLeases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// DelayedCount returns the number of envelopes parked on the delay queue
func (r *Runtime) DelayedCount() int {
	return r.delay.Len()
}

// Results returns the retained outcomes for a task definition, oldest
// first
func (r *Runtime) Results(taskDef string) []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskResult, len(r.results[taskDef]))
	copy(out, r.results[taskDef])
	return out
}

// QueueNames returns every queue the runtime tracks, sorted
func (r *Runtime) QueueNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
