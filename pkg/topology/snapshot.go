package topology

import (
	"sort"

	"github.com/burrowhq/burrow/pkg/expr"
	"github.com/burrowhq/burrow/pkg/types"
)

// Workflow is a declared workflow graph with its compiled guard programs
// and adjacency indexes. Built once at declaration; immutable afterwards.
type Workflow struct {
	Def   *types.WorkflowDef
	Nodes map[string]*types.WorkflowNode

	// Outgoing and incoming transitions per node, sorted by order key
	Out map[string][]*types.Transition
	In  map[string][]*types.Transition

	// Guards holds the compiled guard per transition ID
	Guards map[string]*expr.Program

	// Boundary lists the boundary event nodes attached to each task node
	Boundary map[string][]*types.WorkflowNode

	Start string
}

// Node returns a node by ID
func (w *Workflow) Node(id string) (*types.WorkflowNode, bool) {
	n, ok := w.Nodes[id]
	return n, ok
}

// Guard returns the compiled guard for a transition, or nil when the
// transition is unconditional
func (w *Workflow) Guard(t *types.Transition) *expr.Program {
	return w.Guards[t.ID]
}

// DefaultTransition returns the declared default outgoing transition of a
// node, or nil
func (w *Workflow) DefaultTransition(nodeID string) *types.Transition {
	for _, t := range w.Out[nodeID] {
		if t.Default {
			return t
		}
	}
	return nil
}

// Snapshot is one immutable version of the declared topology. Readers
// resolve against a snapshot without locking; the registry swaps whole
// snapshots on every accepted declaration.
type Snapshot struct {
	Version uint64

	exchanges map[string]*types.Exchange
	queues    map[string]*types.Queue
	tasks     map[string]*types.TaskDef
	jobs      map[string]*types.JobDef
	workflows map[string]*Workflow

	bindings     []*types.Binding
	bindingsFrom map[string][]*types.Binding

	routes []*types.RouteRule // sorted by priority desc, then ID
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		exchanges:    make(map[string]*types.Exchange),
		queues:       make(map[string]*types.Queue),
		tasks:        make(map[string]*types.TaskDef),
		jobs:         make(map[string]*types.JobDef),
		workflows:    make(map[string]*Workflow),
		bindingsFrom: make(map[string][]*types.Binding),
	}
}

// clone makes a shallow copy suitable for copy-on-write updates
func (s *Snapshot) clone() *Snapshot {
	c := newSnapshot()
	for k, v := range s.exchanges {
		c.exchanges[k] = v
	}
	for k, v := range s.queues {
		c.queues[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	c.bindings = append(c.bindings, s.bindings...)
	for k, v := range s.bindingsFrom {
		c.bindingsFrom[k] = append([]*types.Binding{}, v...)
	}
	c.routes = append(c.routes, s.routes...)
	return c
}

// Exchange looks up an exchange by name
func (s *Snapshot) Exchange(name string) (*types.Exchange, bool) {
	e, ok := s.exchanges[name]
	return e, ok
}

// Queue looks up a queue by name
func (s *Snapshot) Queue(name string) (*types.Queue, bool) {
	q, ok := s.queues[name]
	return q, ok
}

// Task looks up a task definition by name
func (s *Snapshot) Task(name string) (*types.TaskDef, bool) {
	t, ok := s.tasks[name]
	return t, ok
}

// Job looks up a job definition by name
func (s *Snapshot) Job(name string) (*types.JobDef, bool) {
	j, ok := s.jobs[name]
	return j, ok
}

// WorkflowByName looks up a workflow by name
func (s *Snapshot) WorkflowByName(name string) (*Workflow, bool) {
	w, ok := s.workflows[name]
	return w, ok
}

// BindingsFrom returns the bindings whose source is the named exchange,
// in declaration order
func (s *Snapshot) BindingsFrom(exchange string) []*types.Binding {
	return s.bindingsFrom[exchange]
}

// Routes returns all route rules, sorted by descending priority then ID
func (s *Snapshot) Routes() []*types.RouteRule {
	return s.routes
}

// ListQueues returns queue names sorted
func (s *Snapshot) ListQueues() []string {
	names := make([]string, 0, len(s.queues))
	for n := range s.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListExchanges returns exchange names sorted
func (s *Snapshot) ListExchanges() []string {
	names := make([]string, 0, len(s.exchanges))
	for n := range s.exchanges {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListJobs returns job definition names sorted
func (s *Snapshot) ListJobs() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListTasks returns task definition names sorted
func (s *Snapshot) ListTasks() []string {
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListWorkflows returns workflow names sorted
func (s *Snapshot) ListWorkflows() []string {
	names := make([]string, 0, len(s.workflows))
	for n := range s.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Declarations is the serializable projection of a snapshot: every
// declared entity in name order, suitable for archival
type Declarations struct {
	Version   uint64              `json:"version"`
	Exchanges []types.Exchange    `json:"exchanges,omitempty"`
	Queues    []types.Queue       `json:"queues,omitempty"`
	Bindings  []types.Binding     `json:"bindings,omitempty"`
	Tasks     []types.TaskDef     `json:"tasks,omitempty"`
	Jobs      []types.JobDef      `json:"jobs,omitempty"`
	Routes    []types.RouteRule   `json:"routes,omitempty"`
	Workflows []types.WorkflowDef `json:"workflows,omitempty"`
}

// Declarations projects the snapshot into its declared entities
func (s *Snapshot) Declarations() Declarations {
	d := Declarations{Version: s.Version}
	for _, name := range s.ListExchanges() {
		d.Exchanges = append(d.Exchanges, *s.exchanges[name])
	}
	for _, name := range s.ListQueues() {
		d.Queues = append(d.Queues, *s.queues[name])
	}
	for _, b := range s.bindings {
		d.Bindings = append(d.Bindings, *b)
	}
	for _, name := range s.ListTasks() {
		d.Tasks = append(d.Tasks, *s.tasks[name])
	}
	for _, name := range s.ListJobs() {
		d.Jobs = append(d.Jobs, *s.jobs[name])
	}
	for _, r := range s.routes {
		d.Routes = append(d.Routes, *r)
	}
	for _, name := range s.ListWorkflows() {
		d.Workflows = append(d.Workflows, *s.workflows[name].Def)
	}
	return d
}

func (s *Snapshot) sortRoutes() {
	sort.Slice(s.routes, func(i, j int) bool {
		if s.routes[i].Priority != s.routes[j].Priority {
			return s.routes[i].Priority > s.routes[j].Priority
		}
		return s.routes[i].ID < s.routes[j].ID
	})
}
