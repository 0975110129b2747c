package workflow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/sched"
	"github.com/burrowhq/burrow/pkg/topology"
	"github.com/burrowhq/burrow/pkg/types"
)

// submitRecorder stands in for the engine's task submission path
type submitRecorder struct {
	mu      sync.Mutex
	seq     int
	taskFor map[string]string            // envelope ID -> task def
	byTask  map[string][]string          // task def -> envelope IDs
	attrs   map[string]map[string]types.Scalar
	failFor map[string]bool
	revoked []string
}

func newSubmitRecorder() *submitRecorder {
	return &submitRecorder{
		taskFor: make(map[string]string),
		byTask:  make(map[string][]string),
		attrs:   make(map[string]map[string]types.Scalar),
		failFor: make(map[string]bool),
	}
}

func (s *submitRecorder) submit(taskDef, correlation string, attrs map[string]types.Scalar) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[taskDef] {
		return "", fmt.Errorf("submission of %s refused", taskDef)
	}
	s.seq++
	id := fmt.Sprintf("env-%d", s.seq)
	s.taskFor[id] = taskDef
	s.byTask[taskDef] = append(s.byTask[taskDef], id)
	s.attrs[id] = attrs
	return id, nil
}

func (s *submitRecorder) revoke(envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, envelopeID)
	return nil
}

// last returns the most recent envelope submitted for a task def
func (s *submitRecorder) last(t *testing.T, taskDef string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTask[taskDef]
	require.NotEmpty(t, ids, "no submission for %s", taskDef)
	return ids[len(ids)-1]
}

func (s *submitRecorder) submittedCount(taskDef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTask[taskDef])
}

func (s *submitRecorder) revokedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.revoked...)
}

type wfFixture struct {
	i      *Interpreter
	sub    *submitRecorder
	timers *sched.TimerRegistry
	logbuf *audit.Log
}

func ev(id string, kind types.EventKind) types.WorkflowNode {
	return types.WorkflowNode{ID: id, Kind: types.NodeEvent, Event: kind}
}

func task(id, def string) types.WorkflowNode {
	return types.WorkflowNode{ID: id, Kind: types.NodeTask, TaskDef: def}
}

func gw(id string, kind types.GatewayKind) types.WorkflowNode {
	return types.WorkflowNode{ID: id, Kind: types.NodeGateway, Gateway: kind}
}

func tr(id, from, to string) types.Transition {
	return types.Transition{ID: id, From: from, To: to}
}

// newWorkflowFixture declares the graphs the tests below run and wires
// an interpreter over recorder stubs
func newWorkflowFixture(t *testing.T) *wfFixture {
	t.Helper()

	reg := topology.NewRegistry()
	require.NoError(t, reg.DeclareQueue(types.Queue{Name: "wfq"}))
	for _, def := range []string{"t.reserve", "t.charge", "t.bulk", "t.single", "t.recover"} {
		require.NoError(t, reg.DeclareTask(types.TaskDef{Name: def, Queue: "wfq"}))
	}

	reserve := task("reserve", "t.reserve")
	reserve.OutputMapping = map[string]string{"total": "amount"}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "linear",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart), reserve, ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("s1", "start", "reserve"), tr("s2", "reserve", "end"),
		},
	}))

	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "parallel",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			gw("split", types.GatewayParallel),
			task("reserve", "t.reserve"), task("charge", "t.charge"),
			gw("join", types.GatewayParallel),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("p1", "start", "split"),
			{ID: "p2", From: "split", To: "reserve", Order: 1},
			{ID: "p3", From: "split", To: "charge", Order: 2},
			tr("p4", "reserve", "join"), tr("p5", "charge", "join"),
			tr("p6", "join", "end"),
		},
	}))

	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "exclusive",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			task("reserve", "t.reserve"),
			gw("decide", types.GatewayExclusive),
			task("bulk", "t.bulk"), task("single", "t.single"),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("x1", "start", "reserve"), tr("x2", "reserve", "decide"),
			{ID: "x3", From: "decide", To: "bulk", Guard: "amount > 100", Order: 1},
			{ID: "x4", From: "decide", To: "single", Default: true, Order: 2},
			tr("x5", "bulk", "end"), tr("x6", "single", "end"),
		},
	}))

	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "strict",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			gw("decide", types.GatewayExclusive),
			task("bulk", "t.bulk"),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("n1", "start", "decide"),
			{ID: "n2", From: "decide", To: "bulk", Guard: "amount > 100"},
			tr("n3", "bulk", "end"),
		},
	}))

	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "inclusive",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			gw("pick", types.GatewayInclusive),
			task("reserve", "t.reserve"), task("charge", "t.charge"),
			gw("merge", types.GatewayInclusive),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("i1", "start", "pick"),
			{ID: "i2", From: "pick", To: "reserve", Guard: "wantReserve", Order: 1},
			{ID: "i3", From: "pick", To: "charge", Guard: "wantCharge", Order: 2},
			tr("i4", "reserve", "merge"), tr("i5", "charge", "merge"),
			tr("i6", "merge", "end"),
		},
	}))

	fast := ev("fast", types.EventTimer)
	fast.Timer = &types.TimerSpec{Duration: time.Second}
	slow := ev("slow", types.EventTimer)
	slow.Timer = &types.TimerSpec{Duration: time.Hour}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "race",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			gw("wait", types.GatewayEventBased),
			fast, slow,
			task("reserve", "t.reserve"), task("charge", "t.charge"),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("r1", "start", "wait"),
			{ID: "r2", From: "wait", To: "fast", Order: 1},
			{ID: "r3", From: "wait", To: "slow", Order: 2},
			tr("r4", "fast", "reserve"), tr("r5", "slow", "charge"),
			tr("r6", "reserve", "end"), tr("r7", "charge", "end"),
		},
	}))

	deadline := types.WorkflowNode{
		ID: "deadline", Kind: types.NodeEvent, Event: types.EventBoundary,
		AttachedTo: "reserve", Interrupting: true,
		Timer: &types.TimerSpec{Duration: time.Second},
	}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "timeboxed",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			task("reserve", "t.reserve"),
			deadline,
			task("recover", "t.recover"),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("b1", "start", "reserve"), tr("b2", "reserve", "end"),
			tr("b3", "deadline", "recover"), tr("b4", "recover", "end"),
		},
	}))

	catch := types.WorkflowNode{
		ID: "catch", Kind: types.NodeEvent, Event: types.EventBoundary,
		AttachedTo: "reserve", Interrupting: true,
	}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "guarded",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart),
			task("reserve", "t.reserve"),
			catch,
			task("recover", "t.recover"),
			ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("g1", "start", "reserve"), tr("g2", "reserve", "end"),
			tr("g3", "catch", "recover"), tr("g4", "recover", "end"),
		},
	}))

	approve := types.WorkflowNode{ID: "approve", Kind: types.NodeTask, Human: true}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "approval",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart), approve, ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("h1", "start", "approve"), tr("h2", "approve", "end"),
		},
	}))

	pause := ev("pause", types.EventTimer)
	pause.Timer = &types.TimerSpec{Duration: time.Second}
	require.NoError(t, reg.DeclareWorkflow(types.WorkflowDef{
		Name: "delayed",
		Nodes: []types.WorkflowNode{
			ev("start", types.EventStart), pause, task("reserve", "t.reserve"), ev("end", types.EventEnd),
		},
		Transitions: []types.Transition{
			tr("d1", "start", "pause"), tr("d2", "pause", "reserve"), tr("d3", "reserve", "end"),
		},
	}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sub := newSubmitRecorder()
	timers := sched.NewTimerRegistry()
	logbuf := audit.NewLog(1000)
	i := New(func() *topology.Snapshot { return reg.Snapshot() }, sub.submit, sub.revoke, timers, broker, logbuf)
	return &wfFixture{i: i, sub: sub, timers: timers, logbuf: logbuf}
}

// fireTimers advances the shared timer registry far enough to fire every
// short timer armed by a test
func (f *wfFixture) fireTimers() {
	f.timers.FireDue(time.Now().Add(2 * time.Second))
}

// TestLinearCompletion tests a single task from start to completion
func TestLinearCompletion(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("linear", map[string]types.Scalar{"customer": types.String("acme")})
	require.NoError(t, err)

	envID := f.sub.last(t, "t.reserve")
	assert.Equal(t, types.String("acme"), f.sub.attrs[envID]["customer"], "variables travel with the submission")

	f.i.onEnvelopeDone(envID, true, map[string]types.Scalar{"total": types.Int(150)})

	view, ok := f.i.Get(id)
	require.True(t, ok)
	assert.Equal(t, InstanceCompleted, view.State)
	assert.Equal(t, types.Int(150), view.Variables["amount"], "output mapping renames the key")
	assert.Empty(t, view.Frontier)
	assert.NotEmpty(t, view.History)
}

// TestLinearFailure tests that an uncaught task failure fails the instance
func TestLinearFailure(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("linear", nil)
	require.NoError(t, err)

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), false, nil)

	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceFailed, view.State)
	assert.Equal(t, types.ReasonRejected, view.Failure)
}

// TestParallelSplitJoin tests fork and join of two branches
func TestParallelSplitJoin(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("parallel", nil)
	require.NoError(t, err)

	reserveEnv := f.sub.last(t, "t.reserve")
	chargeEnv := f.sub.last(t, "t.charge")

	f.i.onEnvelopeDone(reserveEnv, true, nil)
	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceRunning, view.State, "join waits for the second branch")

	f.i.onEnvelopeDone(chargeEnv, true, nil)
	view, _ = f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestExclusiveGateway tests guard choice and the default path
func TestExclusiveGateway(t *testing.T) {
	f := newWorkflowFixture(t)

	t.Run("guard matches", func(t *testing.T) {
		id, err := f.i.StartInstance("exclusive", nil)
		require.NoError(t, err)

		f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, map[string]types.Scalar{"amount": types.Int(500)})
		require.Equal(t, 1, f.sub.submittedCount("t.bulk"))

		f.i.onEnvelopeDone(f.sub.last(t, "t.bulk"), true, nil)
		view, _ := f.i.Get(id)
		assert.Equal(t, InstanceCompleted, view.State)
	})

	t.Run("default taken", func(t *testing.T) {
		id, err := f.i.StartInstance("exclusive", nil)
		require.NoError(t, err)

		f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, map[string]types.Scalar{"amount": types.Int(10)})
		require.Equal(t, 1, f.sub.submittedCount("t.single"))

		f.i.onEnvelopeDone(f.sub.last(t, "t.single"), true, nil)
		view, _ := f.i.Get(id)
		assert.Equal(t, InstanceCompleted, view.State)
	})

	t.Run("no guard and no default fails", func(t *testing.T) {
		id, err := f.i.StartInstance("strict", map[string]types.Scalar{"amount": types.Int(10)})
		require.NoError(t, err)

		view, _ := f.i.Get(id)
		assert.Equal(t, InstanceFailed, view.State)
		assert.Equal(t, types.ReasonGuardNoMatch, view.Failure)
	})
}

// TestInclusiveGateway tests multi-branch activation and the join's
// dead-branch awareness
func TestInclusiveGateway(t *testing.T) {
	f := newWorkflowFixture(t)

	t.Run("single branch", func(t *testing.T) {
		id, err := f.i.StartInstance("inclusive", map[string]types.Scalar{
			"wantReserve": types.Bool(true),
			"wantCharge":  types.Bool(false),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, f.sub.submittedCount("t.charge"))

		f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, nil)
		view, _ := f.i.Get(id)
		assert.Equal(t, InstanceCompleted, view.State, "join does not wait for a branch nothing can reach")
	})

	t.Run("both branches", func(t *testing.T) {
		id, err := f.i.StartInstance("inclusive", map[string]types.Scalar{
			"wantReserve": types.Bool(true),
			"wantCharge":  types.Bool(true),
		})
		require.NoError(t, err)

		f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, nil)
		view, _ := f.i.Get(id)
		assert.Equal(t, InstanceRunning, view.State)

		f.i.onEnvelopeDone(f.sub.last(t, "t.charge"), true, nil)
		view, _ = f.i.Get(id)
		assert.Equal(t, InstanceCompleted, view.State)
	})
}

// TestEventBasedGateway tests that the first timer to fire wins the race
func TestEventBasedGateway(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("race", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.timers.Len(), "both arms armed")

	f.fireTimers()

	assert.Equal(t, 1, f.sub.submittedCount("t.reserve"), "fast path taken")
	assert.Equal(t, 0, f.sub.submittedCount("t.charge"), "losing arm never runs")
	assert.Equal(t, 0, f.timers.Len(), "losing timer cancelled")

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, nil)
	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestTimerBoundaryInterrupts tests that a deadline boundary revokes the
// task and reroutes the token
func TestTimerBoundaryInterrupts(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("timeboxed", nil)
	require.NoError(t, err)
	stuck := f.sub.last(t, "t.reserve")

	f.fireTimers()

	require.Equal(t, 1, f.sub.submittedCount("t.recover"), "boundary path entered")
	assert.Eventually(t, func() bool {
		for _, r := range f.sub.revokedIDs() {
			if r == stuck {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "interrupted task revoked")

	// the interrupted task's late outcome is ignored
	f.i.onEnvelopeDone(stuck, true, nil)

	f.i.onEnvelopeDone(f.sub.last(t, "t.recover"), true, nil)
	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestTimerBoundaryDisarmedOnCompletion tests that finishing the task
// first disarms its deadline
func TestTimerBoundaryDisarmedOnCompletion(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("timeboxed", nil)
	require.NoError(t, err)

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, nil)
	assert.Equal(t, 0, f.timers.Len())

	f.fireTimers()
	assert.Equal(t, 0, f.sub.submittedCount("t.recover"))

	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestErrorBoundary tests that task failure routes through the catch
func TestErrorBoundary(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("guarded", nil)
	require.NoError(t, err)

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), false, nil)
	require.Equal(t, 1, f.sub.submittedCount("t.recover"))

	f.i.onEnvelopeDone(f.sub.last(t, "t.recover"), true, nil)
	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestIntermediateTimer tests that a timer node parks and resumes the token
func TestIntermediateTimer(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("delayed", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.sub.submittedCount("t.reserve"), "parked at the timer")

	f.fireTimers()
	require.Equal(t, 1, f.sub.submittedCount("t.reserve"))

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, nil)
	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
}

// TestHumanTask tests external completion of a human task node
func TestHumanTask(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("approval", nil)
	require.NoError(t, err)

	open := f.i.HumanTasks()
	require.Len(t, open, 1)
	assert.Equal(t, "approve", open[0].Node)
	assert.Equal(t, id, open[0].Instance)

	require.NoError(t, f.i.CompleteHumanTask(open[0].ID, map[string]types.Scalar{"approved": types.Bool(true)}))

	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCompleted, view.State)
	assert.Equal(t, types.Bool(true), view.Variables["approved"])
	assert.Empty(t, f.i.HumanTasks())

	assert.Error(t, f.i.CompleteHumanTask(open[0].ID, nil), "already completed")
}

// TestCancel tests instance cancellation and frontier revocation
func TestCancel(t *testing.T) {
	f := newWorkflowFixture(t)

	id, err := f.i.StartInstance("linear", nil)
	require.NoError(t, err)
	envID := f.sub.last(t, "t.reserve")

	require.NoError(t, f.i.Cancel(id))

	view, _ := f.i.Get(id)
	assert.Equal(t, InstanceCancelled, view.State)
	assert.Equal(t, types.ReasonCancelled, view.Failure)
	assert.Contains(t, f.sub.revokedIDs(), envID)

	assert.Error(t, f.i.Cancel(id), "already terminal")
	assert.Error(t, f.i.Cancel("missing"))

	// the revoked task's late outcome must not resurrect the instance
	f.i.onEnvelopeDone(envID, true, nil)
	view, _ = f.i.Get(id)
	assert.Equal(t, InstanceCancelled, view.State)
}

// TestVariableOverwriteAudited tests last-writer-wins with an audit trail
func TestVariableOverwriteAudited(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.i.StartInstance("linear", map[string]types.Scalar{"amount": types.Int(1)})
	require.NoError(t, err)

	f.i.onEnvelopeDone(f.sub.last(t, "t.reserve"), true, map[string]types.Scalar{"total": types.Int(999)})

	entries := f.logbuf.Query(audit.Filter{Type: "workflow.variable_overwrite"}, 10)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "amount")
}

// TestStartUnknownWorkflow tests the not-declared error
func TestStartUnknownWorkflow(t *testing.T) {
	f := newWorkflowFixture(t)
	_, err := f.i.StartInstance("missing", nil)
	assert.Error(t, err)
}

// TestHistoryCompaction tests that overflowing history folds into the summary
func TestHistoryCompaction(t *testing.T) {
	inst := &Instance{}
	for n := 0; n < 10; n++ {
		inst.record(4, 0, HistoryEntry{Kind: HistoryNodeEntered, Node: "a"})
	}

	assert.LessOrEqual(t, len(inst.history), 4)
	total := len(inst.history) + inst.Summary[HistoryNodeEntered]
	assert.Equal(t, 10, total, "every entry is either retained or summarized")
	assert.Equal(t, 10, inst.history[len(inst.history)-1].Seq, "sequence numbers keep counting")
}
