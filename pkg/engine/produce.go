package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/router"
	"github.com/burrowhq/burrow/pkg/types"
)

// PublishOptions carries the optional fields of a publish
type PublishOptions struct {
	Headers     map[string]string
	Priority    int
	NotBefore   time.Time
	ExpiresAt   time.Time
	Correlation string
	Parent      string
	ContentType string

	// Mandatory makes an unroutable publish an error to the caller.
	// Without it the publish succeeds with no envelopes; the miss still
	// shows up in counters and the audit log.
	Mandatory bool
}

// Publish routes a payload through an exchange and enqueues one envelope
// per destination queue. Returns the enqueued envelope IDs; a publish
// matching no queue returns no IDs and, when Mandatory is set,
// ErrUnroutable.
func (e *Engine) Publish(exchange, routingKey string, payload []byte, opts PublishOptions) ([]string, error) {
	if routingKey != "" {
		if err := router.ValidateRoutingKey(routingKey); err != nil {
			return nil, err
		}
	}

	snap := e.registry.Snapshot()
	result := router.Route(snap, exchange, routingKey, opts.Headers)
	if len(result.Queues) == 0 {
		metrics.EnvelopesUnroutable.WithLabelValues(exchange, string(result.Reason)).Inc()
		e.auditLog.Record(audit.Entry{
			Type:   "envelope.unroutable",
			Reason: result.Reason,
			Detail: fmt.Sprintf("exchange %s key %q", exchange, routingKey),
		})
		if opts.Mandatory {
			return nil, fmt.Errorf("%w: exchange %s key %q (%s)", ErrUnroutable, exchange, routingKey, result.Reason)
		}
		return nil, nil
	}

	ids := make([]string, 0, len(result.Queues))
	for _, queue := range result.Queues {
		env := &types.Envelope{
			ID:          uuid.New().String(),
			Kind:        types.KindMessage,
			Correlation: opts.Correlation,
			Parent:      opts.Parent,
			Payload:     payload,
			ContentType: opts.ContentType,
			Headers:     opts.Headers,
			RoutingKey:  routingKey,
			Priority:    clampPriority(opts.Priority),
			NotBefore:   opts.NotBefore,
			ExpiresAt:   opts.ExpiresAt,
			Queue:       queue,
		}
		if err := e.runtime.Enqueue(env); err != nil {
			return ids, err
		}
		ids = append(ids, env.ID)
	}
	metrics.EnvelopesPublished.WithLabelValues(string(types.KindMessage)).Inc()
	return ids, nil
}

// SubmitOptions carries the optional fields of a task submission
type SubmitOptions struct {
	Args        []types.Scalar
	Kwargs      map[string]types.Scalar
	Priority    int
	NotBefore   time.Time
	ExpiresAt   time.Time
	Correlation string
	Parent      string
	Chain       []types.ChainLink

	// Attributes are merged into the envelope attributes after args and
	// kwargs
	Attributes map[string]types.Scalar

	kind types.Kind
}

// SubmitTask submits a task-definition invocation. The token bucket is
// consulted once, here; retries of the resulting envelope never
// re-acquire.
func (e *Engine) SubmitTask(taskDef string, opts SubmitOptions) (string, error) {
	return e.submit(taskDef, opts, true)
}

func (e *Engine) submit(taskDef string, opts SubmitOptions, applyLimit bool) (string, error) {
	snap := e.registry.Snapshot()
	def, ok := snap.Task(taskDef)
	if !ok {
		return "", fmt.Errorf("task definition %s not declared", taskDef)
	}

	if applyLimit && !e.limiter.TryAcquire(taskDef, 1) {
		metrics.RateLimited.WithLabelValues(taskDef).Inc()
		return "", fmt.Errorf("%w: task definition %s", ErrRateLimited, taskDef)
	}

	queue, err := router.RouteTask(snap, taskDef)
	if err != nil {
		return "", err
	}

	attrs := make(map[string]types.Scalar)
	for idx, arg := range opts.Args {
		attrs[fmt.Sprintf("arg%d", idx)] = arg
	}
	for k, v := range opts.Kwargs {
		attrs[k] = v
	}
	for k, v := range opts.Attributes {
		attrs[k] = v
	}

	maxAttempts := def.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	kind := opts.kind
	if kind == "" {
		kind = types.KindTask
	}

	env := &types.Envelope{
		ID:            uuid.New().String(),
		Kind:          kind,
		Correlation:   opts.Correlation,
		Parent:        opts.Parent,
		Attributes:    attrs,
		Priority:      clampPriority(opts.Priority),
		NotBefore:     opts.NotBefore,
		ExpiresAt:     opts.ExpiresAt,
		MaxAttempts:   maxAttempts,
		Backoff:       def.Retry.Backoff,
		AckMode:       def.AckMode,
		RequeueOnNack: def.RequeueOnNack,
		TaskDef:       taskDef,
		Chain:         opts.Chain,
		Queue:         queue,
		SoftTimeLimit: def.SoftTimeLimit,
		HardTimeLimit: def.HardTimeLimit,
	}
	if err := e.runtime.Enqueue(env); err != nil {
		return "", err
	}
	metrics.EnvelopesPublished.WithLabelValues(string(kind)).Inc()
	return env.ID, nil
}

// TriggerJob fires a job definition now, regardless of its trigger
// kind. Dependency gating still applies.
func (e *Engine) TriggerJob(name string) (string, error) {
	snap := e.registry.Snapshot()
	job, ok := snap.Job(name)
	if !ok {
		return "", fmt.Errorf("job definition %s not declared", name)
	}

	run := &types.JobRun{
		ID:          uuid.New().String(),
		Job:         job.Name,
		TriggeredAt: time.Now(),
	}
	if !e.runs.Ready(job) {
		e.runs.Block(run)
		return run.ID, nil
	}
	e.dispatchRun(job, run)
	return run.ID, nil
}

// StartWorkflow starts an instance of a declared workflow
func (e *Engine) StartWorkflow(name string, vars map[string]types.Scalar) (string, error) {
	return e.interpreter.StartInstance(name, vars)
}

// CancelWorkflowInstance cancels a running instance
func (e *Engine) CancelWorkflowInstance(instanceID string) error {
	return e.interpreter.Cancel(instanceID)
}

// CompleteHumanTask resumes a workflow waiting on an external work
// record
func (e *Engine) CompleteHumanTask(taskID string, output map[string]types.Scalar) error {
	return e.interpreter.CompleteHumanTask(taskID, output)
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
