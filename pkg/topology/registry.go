package topology

import (
	"sync"
	"sync/atomic"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
)

// Registry is the declarative catalog of exchanges, queues, bindings, task
// and job definitions, route rules, and workflow graphs. It is the single
// writer for all declarative entities; readers observe immutable snapshots
// and never see a torn update across related entities.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]

	// retained tracks old snapshot versions still referenced by in-flight
	// work; GC'd when their refcount drains
	retained map[uint64]*retainedSnapshot
}

type retainedSnapshot struct {
	snap *Snapshot
	refs int
}

// NewRegistry creates an empty registry at version 1
func NewRegistry() *Registry {
	r := &Registry{retained: make(map[uint64]*retainedSnapshot)}
	s := newSnapshot()
	s.Version = 1
	r.current.Store(s)
	return r
}

// Snapshot returns the current topology snapshot. Lock-free.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Acquire returns the current snapshot pinned against GC, plus a release
// function. In-flight envelopes pin the snapshot they were routed under.
func (r *Registry) Acquire() (*Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	rs, ok := r.retained[s.Version]
	if !ok {
		rs = &retainedSnapshot{snap: s}
		r.retained[s.Version] = rs
	}
	rs.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			rs.refs--
			if rs.refs <= 0 && r.current.Load().Version != s.Version {
				delete(r.retained, s.Version)
			}
		})
	}
	return s, release
}

// swap installs next as the current snapshot and GCs unreferenced versions
func (r *Registry) swap(next *Snapshot) {
	prev := r.current.Load()
	next.Version = prev.Version + 1
	r.current.Store(next)

	for v, rs := range r.retained {
		if rs.refs <= 0 && v != next.Version {
			delete(r.retained, v)
		}
	}
	log.WithComponent("topology").Debug().
		Uint64("version", next.Version).
		Msg("topology snapshot replaced")
}

// DeclareExchange registers a new exchange. Duplicate names are rejected.
func (r *Registry) DeclareExchange(ex types.Exchange) error {
	return r.declareExchange(ex, false)
}

// ReplaceExchange registers or replaces an exchange by name
func (r *Registry) ReplaceExchange(ex types.Exchange) error {
	return r.declareExchange(ex, true)
}

func (r *Registry) declareExchange(ex types.Exchange, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if err := validateExchange(s, &ex, replace); err != nil {
		return err
	}

	next := s.clone()
	next.exchanges[ex.Name] = &ex
	r.swap(next)
	return nil
}

// DeclareQueue registers a new queue. Duplicate names are rejected.
func (r *Registry) DeclareQueue(q types.Queue) error {
	return r.declareQueue(q, false)
}

// ReplaceQueue registers or replaces a queue by name
func (r *Registry) ReplaceQueue(q types.Queue) error {
	return r.declareQueue(q, true)
}

func (r *Registry) declareQueue(q types.Queue, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if q.Ordering == "" {
		q.Ordering = types.OrderingFIFO
	}
	if q.Placement == "" {
		q.Placement = types.PlaceLeastLoaded
	}
	if err := validateQueue(s, &q, replace); err != nil {
		return err
	}

	next := s.clone()
	next.queues[q.Name] = &q
	r.swap(next)
	return nil
}

// DeclareBinding attaches a queue or exchange to a source exchange
func (r *Registry) DeclareBinding(b types.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if b.DestKind == "" {
		b.DestKind = types.DestQueue
	}
	if err := validateBinding(s, &b); err != nil {
		return err
	}

	next := s.clone()
	next.bindings = append(next.bindings, &b)
	next.bindingsFrom[b.Source] = append(next.bindingsFrom[b.Source], &b)
	r.swap(next)
	return nil
}

// DeclareTask registers a new task definition. Duplicate names are rejected.
func (r *Registry) DeclareTask(t types.TaskDef) error {
	return r.declareTask(t, false)
}

// ReplaceTask registers or replaces a task definition by name
func (r *Registry) ReplaceTask(t types.TaskDef) error {
	return r.declareTask(t, true)
}

func (r *Registry) declareTask(t types.TaskDef, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if t.AckMode == "" {
		t.AckMode = types.AckManual
	}
	if err := validateTask(s, &t, replace); err != nil {
		return err
	}

	next := s.clone()
	next.tasks[t.Name] = &t
	r.swap(next)
	return nil
}

// DeclareJob registers a new job definition. Duplicate names are rejected.
func (r *Registry) DeclareJob(j types.JobDef) error {
	return r.declareJob(j, false)
}

// ReplaceJob registers or replaces a job definition by name
func (r *Registry) ReplaceJob(j types.JobDef) error {
	return r.declareJob(j, true)
}

func (r *Registry) declareJob(j types.JobDef, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if j.DependencyState == "" {
		j.DependencyState = types.DepSuccess
	}
	if err := validateJob(s, &j, replace); err != nil {
		return err
	}

	next := s.clone()
	next.jobs[j.Name] = &j
	r.swap(next)
	return nil
}

// DeclareRoute registers a route rule. Duplicate rule IDs are rejected.
func (r *Registry) DeclareRoute(rule types.RouteRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	if err := validateRoute(s, &rule); err != nil {
		return err
	}

	next := s.clone()
	next.routes = append(next.routes, &rule)
	next.sortRoutes()
	r.swap(next)
	return nil
}

// DeclareWorkflow registers a new workflow graph. Guards are compiled
// here, once; duplicate names are rejected.
func (r *Registry) DeclareWorkflow(def types.WorkflowDef) error {
	return r.declareWorkflow(def, false)
}

// ReplaceWorkflow registers or replaces a workflow by name
func (r *Registry) ReplaceWorkflow(def types.WorkflowDef) error {
	return r.declareWorkflow(def, true)
}

func (r *Registry) declareWorkflow(def types.WorkflowDef, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Load()
	wf, err := buildWorkflow(s, &def, replace)
	if err != nil {
		return err
	}

	next := s.clone()
	next.workflows[def.Name] = wf
	r.swap(next)
	return nil
}
