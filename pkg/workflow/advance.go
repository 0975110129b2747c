package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/topology"
	"github.com/burrowhq/burrow/pkg/types"
)

// takeTransition moves a token across one edge and enters the target
// node. Called with the interpreter lock held, as is everything below.
func (i *Interpreter) takeTransition(wf *topology.Workflow, inst *Instance, tok *token, t *types.Transition) {
	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeExited, Node: tok.node, Transition: t.ID})
	metrics.WorkflowTransitions.WithLabelValues(inst.Workflow).Inc()

	tok.node = t.To
	tok.via = t.ID
	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeEntered, Node: t.To, Transition: t.ID})
	i.enterNode(wf, inst, tok)
}

// leaveNode advances a token through its node's first outgoing
// transition; used by nodes with a single exit (tasks, timers, boundary
// paths)
func (i *Interpreter) leaveNode(wf *topology.Workflow, inst *Instance, tok *token) {
	outs := wf.Out[tok.node]
	if len(outs) == 0 {
		i.dropToken(wf, inst, tok)
		return
	}
	i.takeTransition(wf, inst, tok, outs[0])
}

func (i *Interpreter) enterNode(wf *topology.Workflow, inst *Instance, tok *token) {
	node := wf.Nodes[tok.node]
	if node == nil {
		i.failInstance(wf, inst, types.ReasonGuardNoMatch)
		return
	}

	switch node.Kind {
	case types.NodeTask:
		i.enterTask(wf, inst, tok, node)
	case types.NodeGateway:
		i.enterGateway(wf, inst, tok, node)
	case types.NodeEvent:
		i.enterEvent(wf, inst, tok, node)
	}
}

func (i *Interpreter) enterTask(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode) {
	i.registerBoundaries(wf, inst, tok, node)

	if node.Human {
		h := &HumanTask{
			ID:        uuid.New().String(),
			Instance:  inst.ID,
			Workflow:  inst.Workflow,
			Node:      node.ID,
			CreatedAt: time.Now(),
		}
		i.humans[h.ID] = h
		i.byHuman[h.ID] = humanRef{instance: inst.ID, token: tok.id, node: node.ID}
		i.broker.Publish(&events.Event{
			Type:     events.EventHumanTaskCreated,
			Metadata: map[string]string{"task_id": h.ID, "instance_id": inst.ID, "node": node.ID},
		})
		return
	}

	attrs := make(map[string]types.Scalar, len(inst.Variables))
	for k, v := range inst.Variables {
		attrs[k] = v
	}
	envID, err := i.submit(node.TaskDef, inst.ID, attrs)
	if err != nil {
		log.WithInstanceID(inst.ID).Error().Err(err).
			Str("task_def", node.TaskDef).
			Msg("Task node submission failed")
		i.failInstance(wf, inst, types.ReasonRejected)
		return
	}
	i.byEnvelope[envID] = envRef{instance: inst.ID, token: tok.id}
}

func (i *Interpreter) enterEvent(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode) {
	switch node.Event {
	case types.EventEnd:
		i.dropToken(wf, inst, tok)
	case types.EventTimer, types.EventIntermediate:
		if node.Timer != nil {
			timerID := uuid.New().String()
			i.byTimer[timerID] = timerRef{instance: inst.ID, token: tok.id, node: node.ID}
			i.timers.Register(timerID, node.Timer, i.onTimer)
			return
		}
		// an intermediate event with nothing to wait for passes through
		i.leaveNode(wf, inst, tok)
	default:
		i.leaveNode(wf, inst, tok)
	}
}

func (i *Interpreter) enterGateway(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode) {
	in := wf.In[node.ID]

	// join side: parallel and inclusive gateways with several incoming
	// transitions absorb tokens until the expected set has arrived
	if len(in) > 1 && (node.Gateway == types.GatewayParallel || node.Gateway == types.GatewayInclusive) {
		arrivals := inst.joins[node.ID]
		if arrivals == nil {
			arrivals = make(map[string]bool)
			inst.joins[node.ID] = arrivals
		}
		arrivals[tok.via] = true
		delete(inst.tokens, tok.id)

		if !i.joinComplete(wf, inst, node, arrivals) {
			return
		}
		delete(inst.joins, node.ID)

		merged := &token{id: uuid.New().String(), node: node.ID}
		inst.tokens[merged.id] = merged
		tok = merged
	}

	i.splitGateway(wf, inst, tok, node)
}

// joinComplete reports whether every incoming transition the join still
// has to wait for has arrived
func (i *Interpreter) joinComplete(wf *topology.Workflow, inst *Instance, node *types.WorkflowNode, arrivals map[string]bool) bool {
	for _, t := range wf.In[node.ID] {
		if arrivals[t.ID] {
			continue
		}
		if node.Gateway == types.GatewayParallel {
			return false
		}
		// inclusive: only wait for branches a live token can still reach
		if i.upstreamActive(wf, inst, t.From) {
			return false
		}
	}
	return true
}

// upstreamActive reports whether any live token sits at, or can still
// reach, the given node
func (i *Interpreter) upstreamActive(wf *topology.Workflow, inst *Instance, target string) bool {
	for _, tok := range inst.tokens {
		if tok.node == target || reachable(wf, tok.node, target) {
			return true
		}
	}
	return false
}

// reachable walks transitions forward from start looking for target
func reachable(wf *topology.Workflow, start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, t := range wf.Out[n] {
			if t.To == target {
				return true
			}
			if !seen[t.To] {
				seen[t.To] = true
				stack = append(stack, t.To)
			}
		}
	}
	return false
}

func (i *Interpreter) splitGateway(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode) {
	outs := wf.Out[node.ID]

	switch node.Gateway {
	case types.GatewayParallel:
		i.activate(wf, inst, tok, node, outs)

	case types.GatewayExclusive:
		for _, t := range outs {
			if t.Default {
				continue
			}
			if i.guardTrue(wf, inst, node, t) {
				i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: node.ID, Transition: t.ID})
				i.takeTransition(wf, inst, tok, t)
				return
			}
		}
		if def := wf.DefaultTransition(node.ID); def != nil {
			i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: node.ID, Transition: def.ID, Detail: "default"})
			i.takeTransition(wf, inst, tok, def)
			return
		}
		i.failInstance(wf, inst, types.ReasonGuardNoMatch)

	case types.GatewayInclusive:
		var chosen []*types.Transition
		for _, t := range outs {
			if t.Default {
				continue
			}
			if i.guardTrue(wf, inst, node, t) {
				chosen = append(chosen, t)
			}
		}
		if len(chosen) == 0 {
			if def := wf.DefaultTransition(node.ID); def != nil {
				chosen = []*types.Transition{def}
			}
		}
		if len(chosen) == 0 {
			i.failInstance(wf, inst, types.ReasonGuardNoMatch)
			return
		}
		i.activate(wf, inst, tok, node, chosen)

	case types.GatewayEventBased:
		i.armRace(wf, inst, tok, node, outs)
	}
}

// activate forwards the token through every chosen transition, forking
// fresh tokens for all but the first
func (i *Interpreter) activate(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode, chosen []*types.Transition) {
	if len(chosen) == 0 {
		i.failInstance(wf, inst, types.ReasonGuardNoMatch)
		return
	}
	forks := make([]*token, 0, len(chosen)-1)
	for range chosen[1:] {
		fork := &token{id: uuid.New().String(), node: node.ID}
		inst.tokens[fork.id] = fork
		forks = append(forks, fork)
	}
	i.takeTransition(wf, inst, tok, chosen[0])
	for idx, fork := range forks {
		if inst.State.Terminal() {
			return
		}
		i.takeTransition(wf, inst, fork, chosen[idx+1])
	}
}

// armRace registers every timer alternative of an event-based gateway;
// the first to fire wins and cancels its siblings
func (i *Interpreter) armRace(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode, outs []*types.Transition) {
	var arms []raceArm
	for _, t := range outs {
		target := wf.Nodes[t.To]
		if target == nil || target.Timer == nil {
			continue
		}
		timerID := uuid.New().String()
		arms = append(arms, raceArm{timerID: timerID, transition: t.ID})
		i.byTimer[timerID] = timerRef{instance: inst.ID, token: tok.id, node: t.To, race: true}
		i.timers.Register(timerID, target.Timer, i.onTimer)
	}
	if len(arms) == 0 {
		i.failInstance(wf, inst, types.ReasonGuardNoMatch)
		return
	}
	inst.races[tok.id] = arms
}

// winRace resolves an event-based gateway: the fired arm's path is
// taken, sibling timers are cancelled
func (i *Interpreter) winRace(wf *topology.Workflow, inst *Instance, tok *token, winner string) {
	arms := inst.races[tok.id]
	delete(inst.races, tok.id)

	var won *raceArm
	for idx := range arms {
		if arms[idx].timerID == winner {
			won = &arms[idx]
			continue
		}
		i.timers.Cancel(arms[idx].timerID)
		delete(i.byTimer, arms[idx].timerID)
	}
	if won == nil {
		return
	}

	for _, t := range wf.Out[tok.node] {
		if t.ID != won.transition {
			continue
		}
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: tok.node, Transition: t.ID, Detail: "event race won"})
		// the event node's timer already fired; pass straight through it
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeExited, Node: tok.node, Transition: t.ID})
		metrics.WorkflowTransitions.WithLabelValues(inst.Workflow).Inc()
		tok.node = t.To
		tok.via = t.ID
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeEntered, Node: t.To, Transition: t.ID})
		i.leaveNode(wf, inst, tok)
		return
	}
}

// registerBoundaries arms the boundary event timers attached to a task
// node
func (i *Interpreter) registerBoundaries(wf *topology.Workflow, inst *Instance, tok *token, node *types.WorkflowNode) {
	for _, boundary := range wf.Boundary[node.ID] {
		if boundary.Timer == nil {
			// error boundaries need no arming; they catch task failure
			continue
		}
		timerID := uuid.New().String()
		i.byTimer[timerID] = timerRef{
			instance:     inst.ID,
			token:        tok.id,
			node:         boundary.ID,
			boundary:     true,
			interrupting: boundary.Interrupting,
		}
		i.timers.Register(timerID, boundary.Timer, i.onTimer)
	}
}

// cancelBoundaryLocked disarms every timer attached to a token
func (i *Interpreter) cancelBoundaryLocked(inst *Instance, tok *token) {
	for timerID, ref := range i.byTimer {
		if ref.instance == inst.ID && ref.token == tok.id {
			i.timers.Cancel(timerID)
			delete(i.byTimer, timerID)
		}
	}
}

// fireBoundary handles a boundary timer on a running task. The
// interrupting variant revokes the task's envelope and re-routes the
// token; the non-interrupting variant forks.
func (i *Interpreter) fireBoundary(wf *topology.Workflow, inst *Instance, tok *token, timerID string, ref timerRef) {
	boundary := wf.Nodes[ref.node]
	if boundary == nil {
		delete(i.byTimer, timerID)
		return
	}

	if !ref.interrupting {
		// recurring timers keep their registration; one-shots are spent
		if boundary.Timer.Repeat == 0 {
			delete(i.byTimer, timerID)
		}
		fork := &token{id: uuid.New().String(), node: boundary.ID}
		inst.tokens[fork.id] = fork
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: tok.node, Detail: "boundary fork " + boundary.ID})
		i.leaveNode(wf, inst, fork)
		return
	}

	delete(i.byTimer, timerID)
	i.cancelBoundaryLocked(inst, tok)

	// revoke the interrupted task's envelope or retract its human record
	for envID, eref := range i.byEnvelope {
		if eref.instance == inst.ID && eref.token == tok.id {
			delete(i.byEnvelope, envID)
			revokeID := envID
			go func() { _ = i.revoke(revokeID) }()
		}
	}
	for humanID, href := range i.byHuman {
		if href.instance == inst.ID && href.token == tok.id {
			delete(i.byHuman, humanID)
			delete(i.humans, humanID)
		}
	}

	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Node: tok.node, Detail: "boundary interrupt " + boundary.ID})
	i.routeThroughBoundary(wf, inst, tok, boundary)
}

// routeThroughBoundary repositions the token on the boundary node and
// advances through its outgoing transition
func (i *Interpreter) routeThroughBoundary(wf *topology.Workflow, inst *Instance, tok *token, boundary *types.WorkflowNode) {
	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeExited, Node: tok.node})
	tok.node = boundary.ID
	tok.via = ""
	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryNodeEntered, Node: boundary.ID})
	i.leaveNode(wf, inst, tok)
}

// errorBoundary returns the first error-catching boundary attached to a
// task node, if any
func (i *Interpreter) errorBoundary(wf *topology.Workflow, node *types.WorkflowNode) *types.WorkflowNode {
	for _, boundary := range wf.Boundary[node.ID] {
		if boundary.Timer == nil {
			return boundary
		}
	}
	return nil
}

// guardTrue evaluates a transition guard against the instance variables.
// Unconditional transitions are true; evaluation errors count as false
// and are audited.
func (i *Interpreter) guardTrue(wf *topology.Workflow, inst *Instance, node *types.WorkflowNode, t *types.Transition) bool {
	program := wf.Guard(t)
	if program == nil {
		return true
	}
	ok, err := program.EvalBool(inst.Variables)
	if err != nil {
		i.auditLog.Record(audit.Entry{
			Type:     "workflow.guard_error",
			Workflow: inst.Workflow,
			Detail:   err.Error(),
		})
		return false
	}
	return ok
}

// mergeOutput writes task output into the instance variables. With an
// output mapping only the mapped keys land, renamed; without one every
// key lands verbatim. Writes are last-writer-wins; overwrites of a
// differing value are audited.
func (i *Interpreter) mergeOutput(wf *topology.Workflow, inst *Instance, node *types.WorkflowNode, output map[string]types.Scalar) {
	if len(output) == 0 {
		return
	}
	write := func(name string, value types.Scalar) {
		if old, exists := inst.Variables[name]; exists && !old.Equal(value) {
			i.auditLog.Record(audit.Entry{
				Type:     "workflow.variable_overwrite",
				Workflow: inst.Workflow,
				Detail:   "variable " + name + " overwritten by node " + node.ID,
			})
		}
		inst.Variables[name] = value
		i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryVariableChanged, Node: node.ID, Variable: name})
	}

	if len(node.OutputMapping) > 0 {
		for key, varName := range node.OutputMapping {
			if value, ok := output[key]; ok {
				write(varName, value)
			}
		}
		return
	}
	for key, value := range output {
		write(key, value)
	}
}

// dropToken removes a token from the frontier; an empty frontier
// completes the instance
func (i *Interpreter) dropToken(wf *topology.Workflow, inst *Instance, tok *token) {
	delete(inst.tokens, tok.id)
	if len(inst.tokens) == 0 && len(inst.joins) == 0 {
		i.finishLocked(wf, inst, InstanceCompleted, "")
	}
}

// failInstance terminates the instance, revoking outstanding work
func (i *Interpreter) failInstance(wf *topology.Workflow, inst *Instance, reason types.Reason) {
	revokeIDs := i.detachInstanceLocked(inst)
	i.finishLocked(wf, inst, InstanceFailed, reason)
	for _, envID := range revokeIDs {
		id := envID
		go func() { _ = i.revoke(id) }()
	}
}

// finishLocked moves the instance to a terminal state
func (i *Interpreter) finishLocked(wf *topology.Workflow, inst *Instance, state InstanceState, reason types.Reason) {
	if inst.State.Terminal() {
		return
	}
	inst.State = state
	inst.CompletedAt = time.Now()
	inst.Failure = reason
	inst.tokens = make(map[string]*token)
	inst.joins = make(map[string]map[string]bool)
	inst.races = make(map[string][]raceArm)

	entry := audit.Entry{
		Type:     "workflow.instance_" + string(state),
		Workflow: inst.Workflow,
		State:    string(state),
		Reason:   reason,
	}
	i.auditLog.Record(entry)
	i.recordHistory(wf, inst, HistoryEntry{Kind: HistoryDecision, Detail: "instance " + string(state)})

	logger := log.WithInstanceID(inst.ID)
	if state == InstanceFailed {
		logger.Warn().Str("workflow", inst.Workflow).Str("reason", string(reason)).Msg("Workflow instance failed")
	} else {
		logger.Info().Str("workflow", inst.Workflow).Str("state", string(state)).Msg("Workflow instance finished")
	}
}
