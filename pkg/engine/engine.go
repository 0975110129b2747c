package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/router"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/sched"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/topology"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/burrowhq/burrow/pkg/workers"
	"github.com/burrowhq/burrow/pkg/workflow"
)

var (
	// ErrRateLimited is returned when a task submission is rejected by
	// the task definition's token bucket
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnroutable is returned when a publish matches no binding
	ErrUnroutable = errors.New("no binding matched")
)

// Config tunes the engine
type Config struct {
	LeaseTTL        time.Duration
	AuditRetention  int
	MetricsInterval time.Duration

	// DataDir enables the on-disk archive of audit entries, dead
	// letters, and topology snapshots when non-empty
	DataDir string

	// Autoscale enables pool autoscaling with the given hooks
	Autoscale *workers.AutoscalerConfig
	ScaleOut  func()
	ScaleIn   func(workerID string)
}

// Engine wires the topology registry, router, scheduler, worker pool,
// execution runtime, and workflow interpreter into one facade. All
// public operations go through it.
type Engine struct {
	config Config

	registry    *topology.Registry
	broker      *events.Broker
	pool        *workers.Pool
	runtime     *runtime.Runtime
	timers      *sched.TimerRegistry
	cron        *sched.CronScheduler
	runs        *sched.RunTracker
	limiter     *sched.RateLimiter
	interpreter *workflow.Interpreter
	auditLog    *audit.Log
	collector   *metrics.Collector
	autoscaler  *workers.Autoscaler
	archive     storage.Archive

	mu          sync.Mutex
	jobRunByEnv map[string]string // envelope ID -> job run ID

	sub    events.Subscriber
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a fully wired engine
func New(config Config) (*Engine, error) {
	e := &Engine{
		config:      config,
		registry:    topology.NewRegistry(),
		broker:      events.NewBroker(),
		auditLog:    audit.NewLog(config.AuditRetention),
		limiter:     sched.NewRateLimiter(),
		runs:        sched.NewRunTracker(),
		timers:      sched.NewTimerRegistry(),
		jobRunByEnv: make(map[string]string),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	e.archive = storage.NopArchive{}
	if config.DataDir != "" {
		archive, err := storage.NewBoltArchive(config.DataDir)
		if err != nil {
			return nil, err
		}
		e.archive = archive
		e.auditLog.SetSink(archive)
		if version, _, err := archive.LatestTopology(); err == nil && version > 0 {
			log.WithComponent("engine").Info().
				Uint64("archived_version", version).
				Msg("Previous topology found in archive")
		}
	}

	e.pool = workers.NewPool(e.broker)
	e.runtime = runtime.New(
		func() router.Topology { return e.registry.Snapshot() },
		e.pool,
		e.broker,
		runtime.Config{LeaseTTL: config.LeaseTTL},
	)
	e.cron = sched.NewCronScheduler(e.jobSource, e.fireJob)
	e.interpreter = workflow.New(
		e.registry.Snapshot,
		e.workflowSubmit,
		e.runtime.Revoke,
		e.timers,
		e.broker,
		e.auditLog,
	)
	e.collector = metrics.NewCollector(e, config.MetricsInterval)

	if config.Autoscale != nil && config.ScaleOut != nil && config.ScaleIn != nil {
		e.autoscaler = workers.NewAutoscaler(e.pool, *config.Autoscale, e.runtime.TotalBacklog, config.ScaleOut, config.ScaleIn)
	}
	return e, nil
}

// Start brings up every component in dependency order
func (e *Engine) Start() {
	log.WithComponent("engine").Info().Msg("Engine starting")

	e.broker.Start()
	e.pool.Start()
	e.runtime.Start()
	e.timers.Start()
	e.cron.Start()
	e.interpreter.Start()
	e.collector.Start()
	if e.autoscaler != nil {
		e.autoscaler.Start()
	}

	e.sub = e.broker.Subscribe()
	go e.run()
}

// Stop shuts the engine down in reverse order
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.done
	e.broker.Unsubscribe(e.sub)

	if e.autoscaler != nil {
		e.autoscaler.Stop()
	}
	e.collector.Stop()
	e.interpreter.Stop()
	e.cron.Stop()
	e.timers.Stop()
	e.runtime.Stop()
	e.pool.Stop()
	e.broker.Stop()
	_ = e.archive.Close()

	log.WithComponent("engine").Info().Msg("Engine stopped")
}

// Broker exposes the event broker for external subscribers
func (e *Engine) Broker() *events.Broker {
	return e.broker
}

// run consumes lifecycle events: audit recording, archive forwarding,
// task chain progression, and job run completion
func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stopCh:
			return
		case event := <-e.sub:
			if event == nil {
				continue
			}
			e.handleEvent(event)
		}
	}
}

func (e *Engine) handleEvent(event *events.Event) {
	switch event.Type {
	case events.EventEnvelopeSucceeded:
		e.finishJobRun(event.EnvelopeID, true)
		e.advanceChain(event.EnvelopeID)
		e.recordAudit(event)
	case events.EventEnvelopeFailed, events.EventEnvelopeExpired:
		e.finishJobRun(event.EnvelopeID, false)
		e.recordAudit(event)
	case events.EventEnvelopeDeadLetter:
		e.finishJobRun(event.EnvelopeID, false)
		e.recordAudit(event)
		if env, ok := e.runtime.Envelope(event.EnvelopeID); ok {
			if err := e.archive.SaveDeadLetter(&env); err != nil {
				log.WithComponent("engine").Debug().Err(err).Msg("Dead-letter archive write failed")
			}
		}
	case events.EventEnvelopeRevoked:
		e.finishJobRun(event.EnvelopeID, false)
		e.recordAudit(event)
	case events.EventWorkerRegistered, events.EventWorkerOffline, events.EventWorkerDraining:
		e.recordAudit(event)
	case events.EventJobRunFinished:
		e.releaseBlockedRuns()
		e.recordAudit(event)
	case events.EventHumanTaskCreated, events.EventHumanTaskCompleted:
		e.recordAudit(event)
	}
}

func (e *Engine) recordAudit(event *events.Event) {
	entry := audit.Entry{
		Type:   string(event.Type),
		Queue:  event.Queue,
		Worker: event.WorkerID,
		Reason: event.Reason,
	}
	if event.EnvelopeID != "" {
		if env, ok := e.runtime.Envelope(event.EnvelopeID); ok {
			entry.TaskDef = env.TaskDef
			entry.State = string(env.State)
		}
		entry.Detail = "envelope " + event.EnvelopeID
	}
	e.auditLog.Record(entry)
}

// advanceChain submits the next link of a completed task chain
func (e *Engine) advanceChain(envelopeID string) {
	env, ok := e.runtime.Envelope(envelopeID)
	if !ok || len(env.Chain) == 0 {
		return
	}
	link := env.Chain[0]

	_, err := e.submit(link.TaskDef, SubmitOptions{
		Args:        link.Args,
		Kwargs:      link.Kwargs,
		Correlation: env.Correlation,
		Parent:      env.ID,
		Chain:       env.Chain[1:],
	}, true)
	if err != nil {
		e.auditLog.Record(audit.Entry{
			Type:    "task.chain_halted",
			TaskDef: link.TaskDef,
			Detail:  err.Error(),
		})
		log.WithEnvelopeID(env.ID).Warn().Err(err).
			Str("task_def", link.TaskDef).
			Msg("Task chain halted")
	}
}

// jobSource feeds the cron scheduler the current job definitions with
// timed triggers
func (e *Engine) jobSource() []*types.JobDef {
	snap := e.registry.Snapshot()
	var jobs []*types.JobDef
	for _, name := range snap.ListJobs() {
		if job, ok := snap.Job(name); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// fireJob is the cron scheduler's trigger callback. A job whose
// dependencies are unsatisfied blocks rather than skips.
func (e *Engine) fireJob(job *types.JobDef, firedAt time.Time) {
	run := &types.JobRun{
		ID:          uuid.New().String(),
		Job:         job.Name,
		TriggeredAt: firedAt,
	}
	if !e.runs.Ready(job) {
		e.runs.Block(run)
		e.auditLog.Record(audit.Entry{
			Type:   "job.run_blocked",
			Detail: "run " + run.ID + " of job " + job.Name,
		})
		log.WithComponent("jobs").Debug().Str("job", job.Name).Msg("Job run blocked on dependencies")
		return
	}
	e.dispatchRun(job, run)
}

// dispatchRun enqueues the job's envelope and marks the run running
func (e *Engine) dispatchRun(job *types.JobDef, run *types.JobRun) {
	maxAttempts := job.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	env := &types.Envelope{
		ID:          uuid.New().String(),
		Kind:        types.KindJobRun,
		Correlation: run.ID,
		Queue:       job.Queue,
		Priority:    0,
		MaxAttempts: maxAttempts,
		Backoff:     job.Retry.Backoff,
		ResourceAsk: job.ResourceAsk,
		AckMode:     types.AckManual,
	}

	run.EnvelopeID = env.ID
	run.StartedAt = time.Now()
	run.State = types.JobRunRunning
	e.runs.Record(run)

	e.mu.Lock()
	e.jobRunByEnv[env.ID] = run.ID
	e.mu.Unlock()

	metrics.EnvelopesPublished.WithLabelValues(string(types.KindJobRun)).Inc()
	if err := e.runtime.Enqueue(env); err != nil {
		run.State = types.JobRunFailed
		run.FinishedAt = time.Now()
		e.runs.Record(run)
		e.mu.Lock()
		delete(e.jobRunByEnv, env.ID)
		e.mu.Unlock()
		log.WithComponent("jobs").Error().Err(err).Str("job", job.Name).Msg("Job run enqueue failed")
	}
}

// finishJobRun closes the run tied to a terminal job envelope
func (e *Engine) finishJobRun(envelopeID string, success bool) {
	e.mu.Lock()
	runID, ok := e.jobRunByEnv[envelopeID]
	if ok {
		delete(e.jobRunByEnv, envelopeID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	run, ok := e.runs.Run(runID)
	if !ok {
		return
	}
	run.FinishedAt = time.Now()
	if success {
		run.State = types.JobRunSucceeded
	} else {
		run.State = types.JobRunFailed
	}
	e.runs.Record(run)

	snap := e.registry.Snapshot()
	if job, ok := snap.Job(run.Job); ok && job.AlertOnFailure && !success {
		e.auditLog.Record(audit.Entry{
			Type:   "job.alert",
			State:  string(run.State),
			Detail: "job " + run.Job + " run " + run.ID + " failed",
		})
		log.WithComponent("jobs").Error().Str("job", run.Job).Str("run_id", run.ID).Msg("Job run failed")
	}

	e.broker.Publish(&events.Event{Type: events.EventJobRunFinished, JobRunID: run.ID})
}

// releaseBlockedRuns dispatches every blocked run whose dependencies
// became satisfied
func (e *Engine) releaseBlockedRuns() {
	snap := e.registry.Snapshot()
	released := e.runs.ReleaseReady(snap.Job)
	for _, run := range released {
		job, ok := snap.Job(run.Job)
		if !ok {
			continue
		}
		e.dispatchRun(job, run)
	}
}

// workflowSubmit is the interpreter's task submission hook. Workflow
// steps bypass the admission token bucket; rate limits gate external
// submissions only.
func (e *Engine) workflowSubmit(taskDef, correlation string, attrs map[string]types.Scalar) (string, error) {
	return e.submit(taskDef, SubmitOptions{
		Correlation: correlation,
		Attributes:  attrs,
		kind:        types.KindWorkflowStep,
	}, false)
}
