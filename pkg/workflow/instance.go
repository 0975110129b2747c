package workflow

import (
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// InstanceState is the lifecycle state of a workflow instance
type InstanceState string

const (
	InstanceRunning   InstanceState = "running"
	InstanceCompleted InstanceState = "completed"
	InstanceFailed    InstanceState = "failed"
	InstanceCancelled InstanceState = "cancelled"
)

// Terminal reports whether the instance state is terminal
func (s InstanceState) Terminal() bool {
	return s != InstanceRunning
}

// HistoryKind classifies one history entry
type HistoryKind string

const (
	HistoryNodeEntered     HistoryKind = "node-entered"
	HistoryNodeExited      HistoryKind = "node-exited"
	HistoryVariableChanged HistoryKind = "variable-changed"
	HistoryDecision        HistoryKind = "decision"
)

// HistoryEntry is one append-only record of instance progress
type HistoryEntry struct {
	Seq        int
	At         time.Time
	Kind       HistoryKind
	Node       string
	Transition string
	Variable   string
	Detail     string
}

// defaultHistoryLimit applies when a workflow declares no cap
const defaultHistoryLimit = 1000

// token is one active position on the instance frontier
type token struct {
	id   string
	node string
	via  string // transition that delivered the token
}

// Instance is the mutable state of one running workflow. All access is
// serialized through the instance mutex held by the interpreter; one
// transition advances at a time per instance.
type Instance struct {
	ID       string
	Workflow string
	Version  int
	State    InstanceState

	Variables map[string]types.Scalar

	StartedAt   time.Time
	CompletedAt time.Time
	Failure     types.Reason

	tokens map[string]*token

	// joins tracks arrived incoming transitions per gateway node
	joins map[string]map[string]bool

	// races tracks event-based gateway timers per waiting token
	races map[string][]raceArm

	history    []HistoryEntry
	historySeq int

	// Summary holds counts per kind for compacted-away history
	Summary map[HistoryKind]int
}

// raceArm is one registered alternative of an event-based gateway
type raceArm struct {
	timerID    string
	transition string
}

// InstanceView is the copy handed out by queries
type InstanceView struct {
	ID          string
	Workflow    string
	Version     int
	State       InstanceState
	Variables   map[string]types.Scalar
	Frontier    []string
	StartedAt   time.Time
	CompletedAt time.Time
	Failure     types.Reason
	History     []HistoryEntry
	Summary     map[HistoryKind]int
}

func (inst *Instance) view() InstanceView {
	v := InstanceView{
		ID:          inst.ID,
		Workflow:    inst.Workflow,
		Version:     inst.Version,
		State:       inst.State,
		Variables:   make(map[string]types.Scalar, len(inst.Variables)),
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
		Failure:     inst.Failure,
		History:     append([]HistoryEntry{}, inst.history...),
		Summary:     make(map[HistoryKind]int, len(inst.Summary)),
	}
	for k, val := range inst.Variables {
		v.Variables[k] = val
	}
	for _, t := range inst.tokens {
		v.Frontier = append(v.Frontier, t.node)
	}
	for k, n := range inst.Summary {
		v.Summary[k] = n
	}
	return v
}

// record appends a history entry, compacting the oldest half into the
// per-kind summary once the cap is exceeded
func (inst *Instance) record(limit int, maxAge time.Duration, e HistoryEntry) {
	inst.historySeq++
	e.Seq = inst.historySeq
	if e.At.IsZero() {
		e.At = time.Now()
	}
	inst.history = append(inst.history, e)

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	cut := 0
	if len(inst.history) > limit {
		cut = len(inst.history) - limit/2
	}
	if maxAge > 0 {
		horizon := e.At.Add(-maxAge)
		for cut < len(inst.history) && inst.history[cut].At.Before(horizon) {
			cut++
		}
	}
	if cut > 0 {
		if inst.Summary == nil {
			inst.Summary = make(map[HistoryKind]int)
		}
		for _, old := range inst.history[:cut] {
			inst.Summary[old.Kind]++
		}
		inst.history = append([]HistoryEntry{}, inst.history[cut:]...)
	}
}
