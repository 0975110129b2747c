package types

import (
	"time"
)

// Kind classifies the origin of a work unit
type Kind string

const (
	KindMessage      Kind = "message"
	KindTask         Kind = "task"
	KindJobRun       Kind = "job-run"
	KindWorkflowStep Kind = "workflow-step"
)

// EnvelopeState represents the lifecycle state of an envelope
type EnvelopeState string

const (
	EnvelopePending      EnvelopeState = "pending"
	EnvelopeReady        EnvelopeState = "ready"
	EnvelopeRunning      EnvelopeState = "running"
	EnvelopeSuccess      EnvelopeState = "success"
	EnvelopeFailure      EnvelopeState = "failure"
	EnvelopeRevoked      EnvelopeState = "revoked"
	EnvelopeExpired      EnvelopeState = "expired"
	EnvelopeDeadLettered EnvelopeState = "dead-lettered"
)

// Terminal reports whether the state is a terminal state
func (s EnvelopeState) Terminal() bool {
	switch s {
	case EnvelopeSuccess, EnvelopeFailure, EnvelopeRevoked, EnvelopeExpired, EnvelopeDeadLettered:
		return true
	}
	return false
}

// AckMode defines how delivery acknowledgement works for an envelope
type AckMode string

const (
	AckAuto   AckMode = "auto"
	AckManual AckMode = "manual"
	AckNone   AckMode = "none"
)

// Reason identifies why an envelope left the ordinary delivery path
type Reason string

const (
	// Dead-letter reasons
	ReasonMaxAttempts Reason = "max-attempts"
	ReasonMaxLength   Reason = "max-length"
	ReasonExpired     Reason = "expired"
	ReasonRejected    Reason = "rejected"
	ReasonTimeLimit   Reason = "time-limit"
	ReasonWorkerLost  Reason = "worker-lost"

	// Routing failure reasons
	ReasonNoExchange     Reason = "no-exchange"
	ReasonNoBindingMatch Reason = "no-binding-match"
	ReasonStrandedQueue  Reason = "stranded-queue"

	// Workflow failure reasons
	ReasonGuardNoMatch Reason = "guard-no-match"
	ReasonCancelled    Reason = "cancelled"
)

// ScalarKind tags the concrete type held by a Scalar
type ScalarKind string

const (
	ScalarString    ScalarKind = "string"
	ScalarInt       ScalarKind = "int"
	ScalarFloat     ScalarKind = "float"
	ScalarBool      ScalarKind = "bool"
	ScalarTimestamp ScalarKind = "timestamp"
)

// Scalar is a tagged value used in envelope attributes and workflow variables.
// Exactly one value field, matching Kind, is meaningful.
type Scalar struct {
	Kind  ScalarKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
}

// String returns a string scalar
func String(v string) Scalar { return Scalar{Kind: ScalarString, Str: v} }

// Int returns an integer scalar
func Int(v int64) Scalar { return Scalar{Kind: ScalarInt, Int: v} }

// Float returns a float scalar
func Float(v float64) Scalar { return Scalar{Kind: ScalarFloat, Float: v} }

// Bool returns a boolean scalar
func Bool(v bool) Scalar { return Scalar{Kind: ScalarBool, Bool: v} }

// Timestamp returns a timestamp scalar
func Timestamp(v time.Time) Scalar { return Scalar{Kind: ScalarTimestamp, Time: v} }

// Equal compares two scalars by kind and value
func (s Scalar) Equal(o Scalar) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case ScalarString:
		return s.Str == o.Str
	case ScalarInt:
		return s.Int == o.Int
	case ScalarFloat:
		return s.Float == o.Float
	case ScalarBool:
		return s.Bool == o.Bool
	case ScalarTimestamp:
		return s.Time.Equal(o.Time)
	}
	return false
}

// BackoffSpec declares exponential retry backoff parameters
type BackoffSpec struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64 // fraction of the computed delay, 0..1
}

// RetryPolicy combines an attempt budget with a backoff curve
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffSpec
}

// ResourceAsk declares the resources an envelope needs on a worker
type ResourceAsk struct {
	CPU         float64 // CPU shares
	MemoryBytes int64
	Slots       int // defaults to 1
}

// Normalize fills defaults on a resource ask
func (r ResourceAsk) Normalize() ResourceAsk {
	if r.Slots <= 0 {
		r.Slots = 1
	}
	return r
}

// Envelope is the common work unit carried through the engine.
// The execution runtime is the sole mutator once an envelope is enqueued.
type Envelope struct {
	ID          string
	Kind        Kind
	Correlation string // groups related units, e.g. one workflow instance
	Parent      string // for chains and child steps
	OriginalID  string // set on dead-letter copies

	Payload     []byte
	ContentType string
	Headers     map[string]string
	Attributes  map[string]Scalar

	RoutingKey string
	Priority   int // 0-10
	EnqueuedAt time.Time
	NotBefore  time.Time // ETA; zero means immediately eligible
	ExpiresAt  time.Time // TTL; zero means no expiry

	Attempt     int
	MaxAttempts int
	Backoff     BackoffSpec

	RequiredCapabilities []string
	ResourceAsk          ResourceAsk

	AckMode       AckMode
	RequeueOnNack bool

	// TaskDef names the task definition for task-kind envelopes
	TaskDef string
	// Chain holds successor task submissions dispatched on success
	Chain []ChainLink

	Queue            string // destination queue, set after routing
	State            EnvelopeState
	DeadLetterReason Reason
	CompletedAt      time.Time

	// Execution time limits, copied from the task definition
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// ChainLink describes one successor in a task chain
type ChainLink struct {
	TaskDef string
	Args    []Scalar
	Kwargs  map[string]Scalar
}

// Expired reports whether the envelope TTL has elapsed at t
func (e *Envelope) Expired(t time.Time) bool {
	return !e.ExpiresAt.IsZero() && !t.Before(e.ExpiresAt)
}

// EligibleAt returns the earliest instant the envelope may be leased
func (e *Envelope) EligibleAt() time.Time {
	if e.NotBefore.After(e.EnqueuedAt) {
		return e.NotBefore
	}
	return e.EnqueuedAt
}

// WorkerState represents the lifecycle state of a worker
type WorkerState string

const (
	WorkerOnline   WorkerState = "online"
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerOffline  WorkerState = "offline"
)

// Worker describes a registered worker and its free capacity.
// Owned by the worker pool manager; placement mutates the free counters
// under the pool's lock.
type Worker struct {
	ID            string
	Labels        []string
	Subscriptions []string

	SlotsTotal  int
	SlotsFree   int
	CPUTotal    float64
	CPUFree     float64
	MemoryTotal int64
	MemoryFree  int64

	Weight         int // used by the weighted placement strategy
	PrefetchWindow int
	AckMode        AckMode

	HeartbeatInterval time.Duration
	LastHeartbeat     time.Time
	State             WorkerState
	RegisteredAt      time.Time
}

// HasLabels reports whether the worker carries every label in want
func (w *Worker) HasLabels(want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(w.Labels))
	for _, l := range w.Labels {
		set[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

// Subscribed reports whether the worker consumes from queue
func (w *Worker) Subscribed(queue string) bool {
	for _, q := range w.Subscriptions {
		if q == queue {
			return true
		}
	}
	return false
}

// Lease is a time-bounded assignment of an envelope to a worker
type Lease struct {
	ID         string
	EnvelopeID string
	WorkerID   string
	Queue      string
	IssuedAt   time.Time
	Deadline   time.Time
}

// JobRunState represents the state of one job run
type JobRunState string

const (
	JobRunBlocked   JobRunState = "blocked"
	JobRunReady     JobRunState = "ready"
	JobRunRunning   JobRunState = "running"
	JobRunSucceeded JobRunState = "succeeded"
	JobRunFailed    JobRunState = "failed"
	JobRunSkipped   JobRunState = "skipped"
)

// JobRun records one trigger of a job definition
type JobRun struct {
	ID          string
	Job         string
	EnvelopeID  string
	TriggeredAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	State       JobRunState
}
