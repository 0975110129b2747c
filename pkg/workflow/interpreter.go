package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/sched"
	"github.com/burrowhq/burrow/pkg/topology"
	"github.com/burrowhq/burrow/pkg/types"
)

// SubmitFunc submits a task-definition envelope on behalf of a workflow
// instance and returns the envelope ID. The correlation is the instance
// ID; attrs carries a copy of the instance variables.
type SubmitFunc func(taskDef, correlation string, attrs map[string]types.Scalar) (string, error)

// RevokeFunc cancels a previously submitted envelope
type RevokeFunc func(envelopeID string) error

type envRef struct {
	instance string
	token    string
}

type timerRef struct {
	instance     string
	token        string
	node         string // the timer or boundary event node
	interrupting bool
	boundary     bool
	race         bool
}

type humanRef struct {
	instance string
	token    string
	node     string
}

// HumanTask is an external work record created by a human task node
type HumanTask struct {
	ID        string
	Instance  string
	Workflow  string
	Node      string
	CreatedAt time.Time
}

// Interpreter executes workflow graphs on top of the execution runtime.
// Task and timer nodes park the instance; envelope outcomes and timer
// fires advance it. Advancement is serialized under one mutex, so each
// instance processes one transition at a time.
type Interpreter struct {
	topo     func() *topology.Snapshot
	submit   SubmitFunc
	revoke   RevokeFunc
	timers   *sched.TimerRegistry
	broker   *events.Broker
	auditLog *audit.Log

	mu         sync.Mutex
	instances  map[string]*Instance
	byEnvelope map[string]envRef
	byTimer    map[string]timerRef
	byHuman    map[string]humanRef
	humans     map[string]*HumanTask

	sub    events.Subscriber
	stopCh chan struct{}
	done   chan struct{}
}

// New creates an interpreter wired to the given collaborators
func New(topo func() *topology.Snapshot, submit SubmitFunc, revoke RevokeFunc, timers *sched.TimerRegistry, broker *events.Broker, auditLog *audit.Log) *Interpreter {
	return &Interpreter{
		topo:       topo,
		submit:     submit,
		revoke:     revoke,
		timers:     timers,
		broker:     broker,
		auditLog:   auditLog,
		instances:  make(map[string]*Instance),
		byEnvelope: make(map[string]envRef),
		byTimer:    make(map[string]timerRef),
		byHuman:    make(map[string]humanRef),
		humans:     make(map[string]*HumanTask),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes to envelope outcomes and begins processing. The
// subscription is best effort: an outcome dropped on a full buffer
// leaves the waiting instance stuck until cancelled, and shows up in
// the broker's drop count.
func (i *Interpreter) Start() {
	i.sub = i.broker.Subscribe()
	go i.run()
}

// Stop stops event processing
func (i *Interpreter) Stop() {
	close(i.stopCh)
	<-i.done
	i.broker.Unsubscribe(i.sub)
}

func (i *Interpreter) run() {
	defer close(i.done)
	for {
		select {
		case <-i.stopCh:
			return
		case event := <-i.sub:
			if event == nil {
				continue
			}
			switch event.Type {
			case events.EventEnvelopeSucceeded:
				i.onEnvelopeDone(event.EnvelopeID, true, event.Output)
			case events.EventEnvelopeFailed, events.EventEnvelopeDeadLetter, events.EventEnvelopeExpired:
				i.onEnvelopeDone(event.EnvelopeID, false, nil)
			}
		}
	}
}

// StartInstance creates and begins a new instance of the named workflow
func (i *Interpreter) StartInstance(workflowName string, vars map[string]types.Scalar) (string, error) {
	wf, ok := i.topo().WorkflowByName(workflowName)
	if !ok {
		return "", fmt.Errorf("workflow %s not declared", workflowName)
	}

	inst := &Instance{
		ID:        uuid.New().String(),
		Workflow:  wf.Def.Name,
		Version:   wf.Def.Version,
		State:     InstanceRunning,
		Variables: make(map[string]types.Scalar, len(vars)),
		StartedAt: time.Now(),
		tokens:    make(map[string]*token),
		joins:     make(map[string]map[string]bool),
		races:     make(map[string][]raceArm),
	}
	for k, v := range vars {
		inst.Variables[k] = v
	}

	i.mu.Lock()
	i.instances[inst.ID] = inst

	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeEntered, Node: wf.Start})

	// the start event has exactly one outgoing transition
	start := &token{id: uuid.New().String(), node: wf.Start}
	inst.tokens[start.id] = start
	i.takeTransition(wf, inst, start, wf.Out[wf.Start][0])
	i.mu.Unlock()

	log.WithInstanceID(inst.ID).Info().
		Str("workflow", inst.Workflow).
		Int("version", inst.Version).
		Msg("Workflow instance started")
	return inst.ID, nil
}

// Cancel terminates a running instance, revoking every envelope on its
// frontier and cancelling its timers
func (i *Interpreter) Cancel(instanceID string) error {
	i.mu.Lock()
	inst, ok := i.instances[instanceID]
	if !ok {
		i.mu.Unlock()
		return fmt.Errorf("instance %s not found", instanceID)
	}
	if inst.State.Terminal() {
		i.mu.Unlock()
		return fmt.Errorf("instance %s is already %s", instanceID, inst.State)
	}

	wf, _ := i.topo().WorkflowByName(inst.Workflow)
	revokeIDs := i.detachInstanceLocked(inst)
	i.finishLocked(wf, inst, InstanceCancelled, types.ReasonCancelled)
	i.mu.Unlock()

	for _, envID := range revokeIDs {
		if err := i.revoke(envID); err != nil {
			log.WithInstanceID(instanceID).Debug().Err(err).Str("envelope_id", envID).Msg("Revoke on cancel failed")
		}
	}
	return nil
}

// detachInstanceLocked removes every index entry pointing at the
// instance and returns the envelope IDs to revoke
func (i *Interpreter) detachInstanceLocked(inst *Instance) []string {
	var revokeIDs []string
	for envID, ref := range i.byEnvelope {
		if ref.instance == inst.ID {
			delete(i.byEnvelope, envID)
			revokeIDs = append(revokeIDs, envID)
		}
	}
	for timerID, ref := range i.byTimer {
		if ref.instance == inst.ID {
			delete(i.byTimer, timerID)
			i.timers.Cancel(timerID)
		}
	}
	for humanID, ref := range i.byHuman {
		if ref.instance == inst.ID {
			delete(i.byHuman, humanID)
			delete(i.humans, humanID)
		}
	}
	return revokeIDs
}

// CompleteHumanTask resumes the instance waiting on an external work
// record, merging the supplied output into its variables
func (i *Interpreter) CompleteHumanTask(taskID string, output map[string]types.Scalar) error {
	i.mu.Lock()
	ref, ok := i.byHuman[taskID]
	if !ok {
		i.mu.Unlock()
		return fmt.Errorf("human task %s not found", taskID)
	}
	delete(i.byHuman, taskID)
	delete(i.humans, taskID)

	inst := i.instances[ref.instance]
	wf, wok := i.topo().WorkflowByName(inst.Workflow)
	if !wok || inst.State.Terminal() {
		i.mu.Unlock()
		return fmt.Errorf("instance %s is no longer running", ref.instance)
	}
	tok := inst.tokens[ref.token]
	if tok == nil {
		i.mu.Unlock()
		return fmt.Errorf("human task %s has no waiting token", taskID)
	}

	node := wf.Nodes[ref.node]
	i.mergeOutput(wf, inst, node, output)
	i.cancelBoundaryLocked(inst, tok)
	i.leaveNode(wf, inst, tok)
	i.mu.Unlock()

	i.broker.Publish(&events.Event{Type: events.EventHumanTaskCompleted, Metadata: map[string]string{"task_id": taskID, "instance_id": ref.instance}})
	return nil
}

// onEnvelopeDone advances the instance waiting on an envelope outcome
func (i *Interpreter) onEnvelopeDone(envelopeID string, success bool, output map[string]types.Scalar) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ref, ok := i.byEnvelope[envelopeID]
	if !ok {
		return
	}
	delete(i.byEnvelope, envelopeID)

	inst := i.instances[ref.instance]
	if inst == nil || inst.State.Terminal() {
		return
	}
	wf, ok := i.topo().WorkflowByName(inst.Workflow)
	if !ok {
		return
	}
	tok := inst.tokens[ref.token]
	if tok == nil {
		return
	}
	node := wf.Nodes[tok.node]

	i.cancelBoundaryLocked(inst, tok)

	if success {
		i.mergeOutput(wf, inst, node, output)
		i.leaveNode(wf, inst, tok)
		return
	}

	// after-retries failure: an error boundary catches it, otherwise the
	// instance fails
	if catch := i.errorBoundary(wf, node); catch != nil {
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: node.ID, Detail: "error boundary " + catch.ID})
		i.routeThroughBoundary(wf, inst, tok, catch)
		return
	}
	i.failInstance(wf, inst, types.ReasonRejected)
}

// onTimer advances whatever the fired timer was armed for
func (i *Interpreter) onTimer(timerID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ref, ok := i.byTimer[timerID]
	if !ok {
		return
	}

	inst := i.instances[ref.instance]
	if inst == nil || inst.State.Terminal() {
		delete(i.byTimer, timerID)
		return
	}
	wf, wok := i.topo().WorkflowByName(inst.Workflow)
	if !wok {
		delete(i.byTimer, timerID)
		return
	}
	tok := inst.tokens[ref.token]
	if tok == nil {
		delete(i.byTimer, timerID)
		return
	}

	i.broker.Publish(&events.Event{Type: events.EventTimerFired, TimerID: timerID})

	switch {
	case ref.race:
		delete(i.byTimer, timerID)
		i.winRace(wf, inst, tok, timerID)
	case ref.boundary:
		i.fireBoundary(wf, inst, tok, timerID, ref)
	default:
		// plain intermediate timer: the token waits at the timer node
		delete(i.byTimer, timerID)
		i.leaveNode(wf, inst, tok)
	}
}

// Get returns a point-in-time copy of an instance
func (i *Interpreter) Get(instanceID string) (InstanceView, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	inst, ok := i.instances[instanceID]
	if !ok {
		return InstanceView{}, false
	}
	return inst.view(), true
}

// List returns views of every instance, optionally filtered by workflow
// name
func (i *Interpreter) List(workflowName string) []InstanceView {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []InstanceView
	for _, inst := range i.instances {
		if workflowName != "" && inst.Workflow != workflowName {
			continue
		}
		out = append(out, inst.view())
	}
	return out
}

// HumanTasks returns the open external work records
func (i *Interpreter) HumanTasks() []HumanTask {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]HumanTask, 0, len(i.humans))
	for _, h := range i.humans {
		out = append(out, *h)
	}
	return out
}

// Counts returns instance counts by workflow and state
func (i *Interpreter) Counts() map[string]map[string]int {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]map[string]int)
	for _, inst := range i.instances {
		byState, ok := out[inst.Workflow]
		if !ok {
			byState = make(map[string]int)
			out[inst.Workflow] = byState
		}
		byState[string(inst.State)]++
	}
	return out
}

func (i *Interpreter) recordHistory(wf *topology.Workflow, inst *Instance, e HistoryEntry) {
	inst.record(wf.Def.HistoryLimit, wf.Def.HistoryMaxAge, e)
}
