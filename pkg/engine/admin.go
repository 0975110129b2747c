package engine

import (
	"encoding/json"
	"time"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/burrowhq/burrow/pkg/workflow"
)

// --- worker surface ---

// RegisterWorker adds a worker to the pool
func (e *Engine) RegisterWorker(w *types.Worker) error {
	return e.pool.Register(w)
}

// DeregisterWorker removes a worker; its leases are reclaimed
func (e *Engine) DeregisterWorker(id string) error {
	return e.pool.Deregister(id)
}

// Heartbeat refreshes a worker's liveness
func (e *Engine) Heartbeat(workerID string) error {
	return e.pool.Heartbeat(workerID)
}

// DrainWorker stops new placements on a worker
func (e *Engine) DrainWorker(id string) error {
	return e.pool.Drain(id)
}

// AcquireLease blocks up to timeout for the worker's next delivery
func (e *Engine) AcquireLease(workerID string, timeout time.Duration) (*types.Envelope, *types.Lease, error) {
	return e.runtime.AcquireLease(workerID, timeout)
}

// Ack completes a lease successfully
func (e *Engine) Ack(leaseID string, output map[string]types.Scalar) error {
	return e.runtime.Ack(leaseID, output)
}

// Nack reports failure of a leased envelope
func (e *Engine) Nack(leaseID string, requeue bool) error {
	return e.runtime.Nack(leaseID, requeue)
}

// ExtendLease pushes a lease deadline out
func (e *Engine) ExtendLease(leaseID string, extra time.Duration) error {
	return e.runtime.ExtendLease(leaseID, extra)
}

// ListWorkers returns the registered workers
func (e *Engine) ListWorkers() []types.Worker {
	return e.pool.List()
}

// --- topology surface ---

// declared archives the new snapshot after any accepted declaration
func (e *Engine) declared(err error) error {
	if err != nil {
		return err
	}
	e.archiveTopology()
	return nil
}

// archiveTopology writes the current declarations to the archive;
// failures are logged, never surfaced to the declarer
func (e *Engine) archiveTopology() {
	snap := e.registry.Snapshot()
	data, err := json.Marshal(snap.Declarations())
	if err == nil {
		err = e.archive.SaveTopology(snap.Version, data)
	}
	if err != nil {
		log.WithComponent("engine").Debug().Err(err).Msg("Topology archive write failed")
	}
}

// DeclareExchange declares a new exchange; duplicates are rejected
func (e *Engine) DeclareExchange(ex types.Exchange) error {
	return e.declared(e.registry.DeclareExchange(ex))
}

// ReplaceExchange declares or replaces an exchange by name
func (e *Engine) ReplaceExchange(ex types.Exchange) error {
	return e.declared(e.registry.ReplaceExchange(ex))
}

// DeclareQueue declares a new queue; duplicates are rejected
func (e *Engine) DeclareQueue(q types.Queue) error {
	return e.declared(e.registry.DeclareQueue(q))
}

// ReplaceQueue declares or replaces a queue by name
func (e *Engine) ReplaceQueue(q types.Queue) error {
	return e.declared(e.registry.ReplaceQueue(q))
}

// DeclareBinding attaches a queue or exchange to a source exchange
func (e *Engine) DeclareBinding(b types.Binding) error {
	return e.declared(e.registry.DeclareBinding(b))
}

// DeclareTask declares a new task definition; duplicates are rejected
func (e *Engine) DeclareTask(t types.TaskDef) error {
	if err := e.registry.DeclareTask(t); err != nil {
		return err
	}
	e.limiter.Configure(t.Name, t.RateLimit)
	return e.declared(nil)
}

// ReplaceTask declares or replaces a task definition by name
func (e *Engine) ReplaceTask(t types.TaskDef) error {
	if err := e.registry.ReplaceTask(t); err != nil {
		return err
	}
	e.limiter.Configure(t.Name, t.RateLimit)
	return e.declared(nil)
}

// DeclareJob declares a new job definition; duplicates are rejected
func (e *Engine) DeclareJob(j types.JobDef) error {
	return e.declared(e.registry.DeclareJob(j))
}

// ReplaceJob declares or replaces a job definition by name
func (e *Engine) ReplaceJob(j types.JobDef) error {
	return e.declared(e.registry.ReplaceJob(j))
}

// DeclareRoute adds a task routing rule
func (e *Engine) DeclareRoute(rule types.RouteRule) error {
	return e.declared(e.registry.DeclareRoute(rule))
}

// DeclareWorkflow declares a new workflow; duplicates are rejected
func (e *Engine) DeclareWorkflow(def types.WorkflowDef) error {
	return e.declared(e.registry.DeclareWorkflow(def))
}

// ReplaceWorkflow declares or replaces a workflow by name
func (e *Engine) ReplaceWorkflow(def types.WorkflowDef) error {
	return e.declared(e.registry.ReplaceWorkflow(def))
}

// LoadTopology applies a declarative topology file, replacing by name
func (e *Engine) LoadTopology(path string) error {
	if err := e.registry.LoadFile(path); err != nil {
		return err
	}
	e.syncRateLimits()
	return e.declared(nil)
}

// syncRateLimits reconfigures the token buckets from the current
// snapshot after a bulk topology load
func (e *Engine) syncRateLimits() {
	snap := e.registry.Snapshot()
	for _, name := range snap.ListTasks() {
		if def, ok := snap.Task(name); ok {
			e.limiter.Configure(name, def.RateLimit)
		}
	}
}

// --- control surface ---

// PauseQueue suspends lease issuance on a queue
func (e *Engine) PauseQueue(name string) error {
	return e.runtime.PauseQueue(name)
}

// ResumeQueue resumes lease issuance on a paused queue
func (e *Engine) ResumeQueue(name string) error {
	return e.runtime.ResumeQueue(name)
}

// RevokeEnvelope cancels a pre-terminal envelope
func (e *Engine) RevokeEnvelope(id string) error {
	return e.runtime.Revoke(id)
}

// --- introspection surface ---

// ListQueues returns the declared queue names
func (e *Engine) ListQueues() []string {
	return e.registry.Snapshot().ListQueues()
}

// QueueStats returns live statistics for one queue
func (e *Engine) QueueStats(name string) (runtime.QueueStats, bool) {
	return e.runtime.Stats(name)
}

// DescribeEnvelope returns a copy of an envelope by ID
func (e *Engine) DescribeEnvelope(id string) (types.Envelope, bool) {
	return e.runtime.Envelope(id)
}

// GetWorkflowInstance returns a point-in-time view of an instance
func (e *Engine) GetWorkflowInstance(id string) (workflow.InstanceView, bool) {
	return e.interpreter.Get(id)
}

// ListWorkflowInstances returns instance views, optionally filtered by
// workflow name
func (e *Engine) ListWorkflowInstances(workflowName string) []workflow.InstanceView {
	return e.interpreter.List(workflowName)
}

// ListHumanTasks returns the open external work records
func (e *Engine) ListHumanTasks() []workflow.HumanTask {
	return e.interpreter.HumanTasks()
}

// JobRuns returns the retained run history of a job
func (e *Engine) JobRuns(job string) []*types.JobRun {
	return e.runs.Runs(job)
}

// TaskResults returns the retained outcomes of a task definition
func (e *Engine) TaskResults(taskDef string) []runtime.TaskResult {
	return e.runtime.Results(taskDef)
}

// ArchivedDeadLetters returns dead-lettered envelopes from the on-disk
// archive, newest first; empty without a configured data directory
func (e *Engine) ArchivedDeadLetters(limit int) ([]*types.Envelope, error) {
	return e.archive.DeadLetters(limit)
}

// QueryAudit returns audit entries matching the filter, newest first
func (e *Engine) QueryAudit(f audit.Filter, limit int) []*audit.Entry {
	return e.auditLog.Query(f, limit)
}

// TopologyVersion returns the current topology snapshot version
func (e *Engine) TopologyVersion() uint64 {
	return e.registry.Snapshot().Version
}

// --- metrics source ---

// QueueDepths reports ready depth per queue for the metrics collector
func (e *Engine) QueueDepths() map[string]int {
	return e.runtime.Depths()
}

// StrandedQueues reports which declared queues no live worker can serve
func (e *Engine) StrandedQueues() map[string]bool {
	snap := e.registry.Snapshot()
	var queues []*types.Queue
	out := make(map[string]bool)
	for _, name := range snap.ListQueues() {
		if q, ok := snap.Queue(name); ok {
			queues = append(queues, q)
			out[name] = false
		}
	}
	for _, name := range e.pool.StrandedQueues(queues) {
		out[name] = true
	}
	return out
}

// WorkerCounts reports worker counts by state
func (e *Engine) WorkerCounts() map[string]int {
	counts := e.pool.CountsByState()
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out
}

// ActiveLeases reports the number of outstanding leases
func (e *Engine) ActiveLeases() int {
	return e.runtime.ActiveLeases()
}

// DelayQueueDepth reports the number of delayed envelopes
func (e *Engine) DelayQueueDepth() int {
	return e.runtime.DelayedCount()
}

// WorkflowCounts reports instance counts by workflow and state
func (e *Engine) WorkflowCounts() map[string]map[string]int {
	return e.interpreter.Counts()
}
