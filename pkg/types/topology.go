package types

import (
	"time"
)

// ExchangeKind selects the binding-match semantics of an exchange
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// Exchange is a publication endpoint
type Exchange struct {
	Name      string
	Kind      ExchangeKind
	Alternate string // fallback exchange consulted when no binding matches
	Durable   bool   // informational only
}

// Ordering selects how a queue orders first delivery
type Ordering string

const (
	OrderingFIFO     Ordering = "fifo"
	OrderingPriority Ordering = "priority"
)

// PlacementStrategy selects how a queue picks among eligible workers
type PlacementStrategy string

const (
	PlaceLeastLoaded PlacementStrategy = "least-loaded"
	PlaceRoundRobin  PlacementStrategy = "round-robin"
	PlaceRandom      PlacementStrategy = "random"
	PlaceWeighted    PlacementStrategy = "weighted"
)

// DeadLetterTarget names the exchange and routing key dead letters are
// republished on
type DeadLetterTarget struct {
	Exchange   string
	RoutingKey string
}

// Queue is a named destination on which envelopes accumulate until leased
type Queue struct {
	Name             string
	CapabilityLabels []string // labels a worker must carry to consume
	MaxLength        int      // 0 = unbounded
	MaxLengthBytes   int64    // 0 = unbounded
	MessageTTL       time.Duration
	DeadLetter       *DeadLetterTarget
	PriorityLevels   int
	Ordering         Ordering
	Placement        PlacementStrategy
}

// HeadersMatchMode selects AND/OR semantics for a headers binding
type HeadersMatchMode string

const (
	MatchAll HeadersMatchMode = "all"
	MatchAny HeadersMatchMode = "any"
)

// HeadersMatch is the predicate carried by a headers-exchange binding
type HeadersMatch struct {
	Mode  HeadersMatchMode
	Pairs map[string]string
}

// BindingDestKind tags a binding destination as queue or exchange
type BindingDestKind string

const (
	DestQueue    BindingDestKind = "queue"
	DestExchange BindingDestKind = "exchange"
)

// Binding attaches a queue (or another exchange) to a source exchange
type Binding struct {
	Source      string
	Destination string
	DestKind    BindingDestKind
	Key         string // literal key (direct) or topic pattern; empty for fanout
	Headers     *HeadersMatch
}

// RateLimitSpec declares a token-bucket admission limit for a task definition
type RateLimitSpec struct {
	Requests int           // tokens per window
	Window   time.Duration // refill window
	Burst    int           // bucket capacity
}

// TaskDef declares a task function and its delivery policy
type TaskDef struct {
	Name            string
	Queue           string // default destination queue
	RateLimit       *RateLimitSpec
	SoftTimeLimit   time.Duration
	HardTimeLimit   time.Duration
	Retry           RetryPolicy
	AckMode         AckMode
	RequeueOnNack   bool
	ResultRetention int // keep last N results for introspection
}

// RouteRule maps a task-name glob to a queue with a priority
type RouteRule struct {
	ID       string
	Pattern  string // glob over task names, * matches any run of characters
	Queue    string
	Priority int
	Active   bool
}

// TriggerKind selects how a job definition fires
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerDate     TriggerKind = "date"
	TriggerManual   TriggerKind = "manual"
	TriggerEvent    TriggerKind = "event"
)

// DependencyState names the set of dependency terminal states that unblock
// a dependent job
type DependencyState string

const (
	DepSuccess    DependencyState = "success"
	DepCompletion DependencyState = "completion" // success or failure
	DepFailure    DependencyState = "failure"
)

// Satisfied reports whether a dependency run state unblocks the dependent
func (d DependencyState) Satisfied(state JobRunState) bool {
	switch d {
	case DepSuccess, "":
		return state == JobRunSucceeded
	case DepCompletion:
		return state == JobRunSucceeded || state == JobRunFailed
	case DepFailure:
		return state == JobRunFailed
	}
	return false
}

// JobDef declares a scheduled command
type JobDef struct {
	Name            string
	Queue           string
	Trigger         TriggerKind
	CronExpr        string // five fields; L/W only when AllowLW is set
	AllowLW         bool
	Interval        time.Duration
	At              time.Time // for date triggers
	DependsOn       []string
	DependencyState DependencyState
	ResourceAsk     ResourceAsk
	Retry           RetryPolicy
	AlertOnFailure  bool
}

// NodeKind classifies a workflow node
type NodeKind string

const (
	NodeTask    NodeKind = "task"
	NodeGateway NodeKind = "gateway"
	NodeEvent   NodeKind = "event"
)

// GatewayKind selects gateway semantics
type GatewayKind string

const (
	GatewayExclusive  GatewayKind = "exclusive"
	GatewayParallel   GatewayKind = "parallel"
	GatewayInclusive  GatewayKind = "inclusive"
	GatewayEventBased GatewayKind = "event-based"
)

// EventKind classifies a workflow event node
type EventKind string

const (
	EventStart        EventKind = "start"
	EventEnd          EventKind = "end"
	EventTimer        EventKind = "timer"
	EventBoundary     EventKind = "boundary"
	EventIntermediate EventKind = "intermediate"
)

// TimerSpec declares when a workflow timer fires
type TimerSpec struct {
	Duration time.Duration // PTnH/PTnM/PTnS style duration
	At       time.Time     // absolute date-time
	Repeat   int           // Rk recurrence count, 0 = not recurring
	Every    time.Duration // recurrence period
}

// WorkflowNode is one node in a workflow graph
type WorkflowNode struct {
	ID   string
	Name string
	Kind NodeKind

	// Gateway fields
	Gateway GatewayKind

	// Event fields
	Event        EventKind
	Timer        *TimerSpec
	AttachedTo   string // boundary events: the task node they attach to
	Interrupting bool   // boundary events: cancel the task on fire

	// Task fields
	TaskDef       string
	Human         bool              // human task: external completion instead of an envelope
	OutputMapping map[string]string // task output key -> variable name
}

// Transition is a directed edge between workflow nodes
type Transition struct {
	ID      string
	From    string
	To      string
	Guard   string // boolean expression over instance variables; empty = unconditional
	Order   int    // evaluation order at exclusive/inclusive gateways
	Default bool   // taken when no guard matches
	Loop    bool   // explicit loop-back edge, exempt from the acyclicity check
}

// WorkflowDef declares a workflow graph
type WorkflowDef struct {
	Name           string
	Version        int
	Nodes          []WorkflowNode
	Transitions    []Transition
	HistoryLimit   int           // cap on retained history entries, 0 = default
	HistoryMaxAge  time.Duration // cap on history entry age, 0 = unbounded
}
