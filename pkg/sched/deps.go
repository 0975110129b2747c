package sched

import (
	"sort"
	"sync"

	"github.com/burrowhq/burrow/pkg/types"
)

const maxRunHistory = 100

// RunTracker records job runs and gates dependent jobs on the latest
// terminal run of each upstream job. A trigger whose dependencies are not
// yet satisfied blocks; it is never skipped, and releases as soon as the
// upstream runs reach the required states.
type RunTracker struct {
	mu      sync.Mutex
	runs    map[string]*types.JobRun   // by run ID
	byJob   map[string][]*types.JobRun // newest last, bounded
	latest  map[string]*types.JobRun   // latest terminal run per job
	blocked []*types.JobRun
}

// NewRunTracker creates an empty tracker
func NewRunTracker() *RunTracker {
	return &RunTracker{
		runs:   make(map[string]*types.JobRun),
		byJob:  make(map[string][]*types.JobRun),
		latest: make(map[string]*types.JobRun),
	}
}

// Record stores or updates a run. Terminal states replace the job's
// latest-terminal marker.
func (r *RunTracker) Record(run *types.JobRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.runs[run.ID]; !seen {
		history := append(r.byJob[run.Job], run)
		if len(history) > maxRunHistory {
			history = history[len(history)-maxRunHistory:]
		}
		r.byJob[run.Job] = history
	}
	r.runs[run.ID] = run

	switch run.State {
	case types.JobRunSucceeded, types.JobRunFailed, types.JobRunSkipped:
		r.latest[run.Job] = run
	}
}

// Run returns a run by ID
func (r *RunTracker) Run(id string) (*types.JobRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// Runs returns the retained history for a job, oldest first
func (r *RunTracker) Runs(job string) []*types.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.byJob[job]
	out := make([]*types.JobRun, len(history))
	copy(out, history)
	return out
}

// LatestTerminal returns the most recent terminal run of a job
func (r *RunTracker) LatestTerminal(job string) (*types.JobRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.latest[job]
	return run, ok
}

// Ready reports whether every dependency of the job has a latest terminal
// run in the state its dependency mode requires
func (r *RunTracker) Ready(job *types.JobDef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked(job)
}

func (r *RunTracker) readyLocked(job *types.JobDef) bool {
	for _, dep := range job.DependsOn {
		run, ok := r.latest[dep]
		if !ok {
			return false
		}
		if !job.DependencyState.Satisfied(run.State) {
			return false
		}
	}
	return true
}

// Block parks a run until its job's dependencies are satisfied
func (r *RunTracker) Block(run *types.JobRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.State = types.JobRunBlocked
	r.blocked = append(r.blocked, run)
}

// ReleaseReady returns every blocked run whose dependencies are now
// satisfied, marked ready and removed from the blocked set. lookup
// resolves a job name to its current definition; runs whose definition
// vanished are dropped.
func (r *RunTracker) ReleaseReady(lookup func(name string) (*types.JobDef, bool)) []*types.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []*types.JobRun
	var still []*types.JobRun
	for _, run := range r.blocked {
		job, ok := lookup(run.Job)
		if !ok {
			continue
		}
		if r.readyLocked(job) {
			run.State = types.JobRunReady
			released = append(released, run)
			continue
		}
		still = append(still, run)
	}
	r.blocked = still

	sort.Slice(released, func(i, j int) bool {
		return released[i].TriggeredAt.Before(released[j].TriggeredAt)
	})
	return released
}

// BlockedCount returns the number of parked runs
func (r *RunTracker) BlockedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocked)
}
