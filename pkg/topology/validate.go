package topology

import (
	"errors"
	"fmt"

	"github.com/burrowhq/burrow/pkg/cron"
	"github.com/burrowhq/burrow/pkg/expr"
	"github.com/burrowhq/burrow/pkg/router"
	"github.com/burrowhq/burrow/pkg/types"
)

// ValidationError is raised synchronously by declare operations. Conflict
// marks duplicate-name rejections so callers can distinguish them from
// malformed input.
type ValidationError struct {
	Kind     string // entity kind, e.g. "queue"
	Name     string
	Detail   string
	Conflict bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.Name, e.Detail)
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a duplicate-name rejection
func IsConflict(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Conflict
}

func invalid(kind, name, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Name: name, Detail: fmt.Sprintf(format, args...)}
}

func conflict(kind, name string) error {
	return &ValidationError{Kind: kind, Name: name, Detail: "already declared", Conflict: true}
}

func validateExchange(s *Snapshot, ex *types.Exchange, replace bool) error {
	if ex.Name == "" {
		return invalid("exchange", ex.Name, "name is required")
	}
	switch ex.Kind {
	case types.ExchangeDirect, types.ExchangeFanout, types.ExchangeTopic, types.ExchangeHeaders:
	default:
		return invalid("exchange", ex.Name, "unknown kind %q", ex.Kind)
	}
	if _, ok := s.exchanges[ex.Name]; ok && !replace {
		return conflict("exchange", ex.Name)
	}
	if ex.Alternate == ex.Name && ex.Alternate != "" {
		return invalid("exchange", ex.Name, "alternate must not reference itself")
	}
	// The alternate may be declared later; it is resolved at routing time
	return nil
}

func validateQueue(s *Snapshot, q *types.Queue, replace bool) error {
	if q.Name == "" {
		return invalid("queue", q.Name, "name is required")
	}
	if _, ok := s.queues[q.Name]; ok && !replace {
		return conflict("queue", q.Name)
	}
	switch q.Ordering {
	case types.OrderingFIFO, types.OrderingPriority:
	default:
		return invalid("queue", q.Name, "unknown ordering %q", q.Ordering)
	}
	switch q.Placement {
	case types.PlaceLeastLoaded, types.PlaceRoundRobin, types.PlaceRandom, types.PlaceWeighted:
	default:
		return invalid("queue", q.Name, "unknown placement strategy %q", q.Placement)
	}
	if q.Ordering == types.OrderingPriority && q.PriorityLevels <= 0 {
		q.PriorityLevels = 11 // priorities 0-10
	}
	if q.MaxLength < 0 || q.MaxLengthBytes < 0 {
		return invalid("queue", q.Name, "negative length bound")
	}
	if q.DeadLetter != nil {
		if q.DeadLetter.Exchange == "" {
			return invalid("queue", q.Name, "dead-letter target requires an exchange")
		}
		if _, ok := s.exchanges[q.DeadLetter.Exchange]; !ok {
			return invalid("queue", q.Name, "dead-letter exchange %q is not declared", q.DeadLetter.Exchange)
		}
		trial := s.clone()
		trial.queues[q.Name] = q
		if err := checkDLQCycle(trial, q.Name); err != nil {
			return err
		}
	}
	return nil
}

// checkDLQCycle walks the dead-letter chain from start and rejects any
// path that returns to an already-visited queue
func checkDLQCycle(s *Snapshot, start string) error {
	visited := map[string]bool{}
	frontier := []string{start}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if visited[name] {
			return invalid("queue", start, "dead-letter cycle through queue %q", name)
		}
		visited[name] = true

		q, ok := s.queues[name]
		if !ok || q.DeadLetter == nil {
			continue
		}
		res := router.Route(s, q.DeadLetter.Exchange, q.DeadLetter.RoutingKey, nil)
		frontier = append(frontier, res.Queues...)
	}
	return nil
}

func validateBinding(s *Snapshot, b *types.Binding) error {
	src, ok := s.exchanges[b.Source]
	if !ok {
		return invalid("binding", b.Source, "source exchange %q is not declared", b.Source)
	}

	switch b.DestKind {
	case types.DestQueue:
		if _, ok := s.queues[b.Destination]; !ok {
			return invalid("binding", b.Source, "destination queue %q is not declared", b.Destination)
		}
	case types.DestExchange:
		if _, ok := s.exchanges[b.Destination]; !ok {
			return invalid("binding", b.Source, "destination exchange %q is not declared", b.Destination)
		}
	default:
		return invalid("binding", b.Source, "unknown destination kind %q", b.DestKind)
	}

	switch src.Kind {
	case types.ExchangeDirect:
		if err := router.ValidateRoutingKey(b.Key); err != nil {
			return invalid("binding", b.Source, "%v", err)
		}
	case types.ExchangeTopic:
		if err := router.ValidateTopicPattern(b.Key); err != nil {
			return invalid("binding", b.Source, "%v", err)
		}
	case types.ExchangeFanout:
		if b.Key != "" {
			return invalid("binding", b.Source, "fanout bindings carry no routing key")
		}
	case types.ExchangeHeaders:
		if b.Headers == nil || len(b.Headers.Pairs) == 0 {
			return invalid("binding", b.Source, "headers binding requires match pairs")
		}
		switch b.Headers.Mode {
		case types.MatchAll, types.MatchAny:
		default:
			return invalid("binding", b.Source, "unknown x-match mode %q", b.Headers.Mode)
		}
	}

	// A new binding can complete a dead-letter cycle; re-check every queue
	// with a dead-letter target against the trial topology
	trial := s.clone()
	trial.bindings = append(trial.bindings, b)
	trial.bindingsFrom[b.Source] = append(trial.bindingsFrom[b.Source], b)
	for name, q := range trial.queues {
		if q.DeadLetter != nil {
			if err := checkDLQCycle(trial, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTask(s *Snapshot, t *types.TaskDef, replace bool) error {
	if t.Name == "" {
		return invalid("task", t.Name, "name is required")
	}
	if _, ok := s.tasks[t.Name]; ok && !replace {
		return conflict("task", t.Name)
	}
	if t.Queue == "" {
		return invalid("task", t.Name, "default queue is required")
	}
	if _, ok := s.queues[t.Queue]; !ok {
		return invalid("task", t.Name, "queue %q is not declared", t.Queue)
	}
	switch t.AckMode {
	case types.AckAuto, types.AckManual, types.AckNone:
	default:
		return invalid("task", t.Name, "unknown ack mode %q", t.AckMode)
	}
	if rl := t.RateLimit; rl != nil {
		if rl.Requests <= 0 || rl.Window <= 0 {
			return invalid("task", t.Name, "rate limit requires positive requests and window")
		}
		if rl.Burst <= 0 {
			rl.Burst = rl.Requests
		}
	}
	if t.Retry.MaxAttempts < 0 {
		return invalid("task", t.Name, "negative max attempts")
	}
	if t.SoftTimeLimit > 0 && t.HardTimeLimit > 0 && t.SoftTimeLimit > t.HardTimeLimit {
		return invalid("task", t.Name, "soft time limit exceeds hard time limit")
	}
	return nil
}

func validateJob(s *Snapshot, j *types.JobDef, replace bool) error {
	if j.Name == "" {
		return invalid("job", j.Name, "name is required")
	}
	if _, ok := s.jobs[j.Name]; ok && !replace {
		return conflict("job", j.Name)
	}
	if j.Queue == "" {
		return invalid("job", j.Name, "queue is required")
	}
	if _, ok := s.queues[j.Queue]; !ok {
		return invalid("job", j.Name, "queue %q is not declared", j.Queue)
	}

	switch j.Trigger {
	case types.TriggerCron:
		if j.CronExpr == "" {
			return invalid("job", j.Name, "cron trigger requires an expression")
		}
		var opts []cron.Option
		if j.AllowLW {
			opts = append(opts, cron.WithLW())
		}
		if _, err := cron.Parse(j.CronExpr, opts...); err != nil {
			return invalid("job", j.Name, "%v", err)
		}
	case types.TriggerInterval:
		if j.Interval <= 0 {
			return invalid("job", j.Name, "interval trigger requires a positive interval")
		}
	case types.TriggerDate:
		if j.At.IsZero() {
			return invalid("job", j.Name, "date trigger requires a fire time")
		}
	case types.TriggerManual, types.TriggerEvent:
	default:
		return invalid("job", j.Name, "unknown trigger %q", j.Trigger)
	}

	switch j.DependencyState {
	case types.DepSuccess, types.DepCompletion, types.DepFailure:
	default:
		return invalid("job", j.Name, "unknown dependency state %q", j.DependencyState)
	}

	for _, dep := range j.DependsOn {
		if dep == j.Name {
			return invalid("job", j.Name, "job depends on itself")
		}
		if _, ok := s.jobs[dep]; !ok {
			return invalid("job", j.Name, "dependency %q is not declared", dep)
		}
	}
	return nil
}

func validateRoute(s *Snapshot, r *types.RouteRule) error {
	if r.ID == "" {
		return invalid("route", r.ID, "rule ID is required")
	}
	for _, existing := range s.routes {
		if existing.ID == r.ID {
			return conflict("route", r.ID)
		}
	}
	if r.Pattern == "" {
		return invalid("route", r.ID, "pattern is required")
	}
	if r.Queue == "" {
		return invalid("route", r.ID, "queue is required")
	}
	if _, ok := s.queues[r.Queue]; !ok {
		return invalid("route", r.ID, "queue %q is not declared", r.Queue)
	}
	return nil
}

// buildWorkflow validates a workflow declaration, compiles its guards, and
// builds the adjacency indexes
func buildWorkflow(s *Snapshot, def *types.WorkflowDef, replace bool) (*Workflow, error) {
	if def.Name == "" {
		return nil, invalid("workflow", def.Name, "name is required")
	}
	if _, ok := s.workflows[def.Name]; ok && !replace {
		return nil, conflict("workflow", def.Name)
	}
	if len(def.Nodes) == 0 {
		return nil, invalid("workflow", def.Name, "workflow has no nodes")
	}

	wf := &Workflow{
		Def:      def,
		Nodes:    make(map[string]*types.WorkflowNode),
		Out:      make(map[string][]*types.Transition),
		In:       make(map[string][]*types.Transition),
		Guards:   make(map[string]*expr.Program),
		Boundary: make(map[string][]*types.WorkflowNode),
	}

	starts, ends := 0, 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, invalid("workflow", def.Name, "node without ID")
		}
		if _, dup := wf.Nodes[n.ID]; dup {
			return nil, invalid("workflow", def.Name, "duplicate node ID %q", n.ID)
		}
		wf.Nodes[n.ID] = n

		switch n.Kind {
		case types.NodeEvent:
			switch n.Event {
			case types.EventStart:
				starts++
				wf.Start = n.ID
			case types.EventEnd:
				ends++
			case types.EventTimer, types.EventIntermediate:
			case types.EventBoundary:
				if n.AttachedTo == "" {
					return nil, invalid("workflow", def.Name, "boundary event %q attached to nothing", n.ID)
				}
			default:
				return nil, invalid("workflow", def.Name, "node %q: unknown event kind %q", n.ID, n.Event)
			}
			if n.Event == types.EventTimer && n.Timer == nil {
				return nil, invalid("workflow", def.Name, "timer event %q has no timer spec", n.ID)
			}
		case types.NodeGateway:
			switch n.Gateway {
			case types.GatewayExclusive, types.GatewayParallel, types.GatewayInclusive, types.GatewayEventBased:
			default:
				return nil, invalid("workflow", def.Name, "node %q: unknown gateway kind %q", n.ID, n.Gateway)
			}
		case types.NodeTask:
			if !n.Human {
				if n.TaskDef == "" {
					return nil, invalid("workflow", def.Name, "task node %q names no task definition", n.ID)
				}
				if _, ok := s.tasks[n.TaskDef]; !ok {
					return nil, invalid("workflow", def.Name, "task node %q: task definition %q is not declared", n.ID, n.TaskDef)
				}
			}
		default:
			return nil, invalid("workflow", def.Name, "node %q: unknown node kind %q", n.ID, n.Kind)
		}
	}

	if starts != 1 {
		return nil, invalid("workflow", def.Name, "exactly one start event required, found %d", starts)
	}
	if ends == 0 {
		return nil, invalid("workflow", def.Name, "at least one end event required")
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind == types.NodeEvent && n.Event == types.EventBoundary {
			target, ok := wf.Nodes[n.AttachedTo]
			if !ok || target.Kind != types.NodeTask {
				return nil, invalid("workflow", def.Name, "boundary event %q must attach to a task node", n.ID)
			}
			wf.Boundary[n.AttachedTo] = append(wf.Boundary[n.AttachedTo], n)
		}
	}

	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.ID == "" {
			return nil, invalid("workflow", def.Name, "transition without ID")
		}
		if _, ok := wf.Nodes[t.From]; !ok {
			return nil, invalid("workflow", def.Name, "transition %q: unknown source node %q", t.ID, t.From)
		}
		if _, ok := wf.Nodes[t.To]; !ok {
			return nil, invalid("workflow", def.Name, "transition %q: unknown target node %q", t.ID, t.To)
		}
		if _, dup := wf.Guards[t.ID]; dup {
			return nil, invalid("workflow", def.Name, "duplicate transition ID %q", t.ID)
		}
		if t.Guard != "" {
			prog, err := expr.Compile(t.Guard)
			if err != nil {
				return nil, invalid("workflow", def.Name, "transition %q: %v", t.ID, err)
			}
			wf.Guards[t.ID] = prog
		} else {
			wf.Guards[t.ID] = nil
		}
		wf.Out[t.From] = append(wf.Out[t.From], t)
		wf.In[t.To] = append(wf.In[t.To], t)
	}

	for id := range wf.Out {
		sortTransitions(wf.Out[id])
	}

	// Every non-terminal node needs at least one outgoing transition
	for id, n := range wf.Nodes {
		terminal := n.Kind == types.NodeEvent && n.Event == types.EventEnd
		if !terminal && len(wf.Out[id]) == 0 {
			return nil, invalid("workflow", def.Name, "node %q has no outgoing transition", id)
		}
	}

	// Acyclic except through transitions explicitly flagged as loop-backs
	if err := checkAcyclic(def.Name, wf); err != nil {
		return nil, err
	}

	return wf, nil
}

func sortTransitions(ts []*types.Transition) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && less(ts[j], ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func less(a, b *types.Transition) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// checkAcyclic runs a three-color DFS over non-loop transitions
func checkAcyclic(name string, wf *Workflow) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, t := range wf.Out[id] {
			if t.Loop {
				continue
			}
			switch color[t.To] {
			case grey:
				return invalid("workflow", name, "cycle through node %q; flag the transition as a loop-back if intended", t.To)
			case white:
				if err := visit(t.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range wf.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
