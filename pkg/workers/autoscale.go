package workers

import (
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
)

// AutoscalerConfig bounds and tunes the pool autoscaler
type AutoscalerConfig struct {
	Min int
	Max int

	// BacklogPerWorker is the queue-depth-to-live-worker ratio above which
	// the pool scales out
	BacklogPerWorker float64

	// SustainFor is how long the ratio must stay above the threshold
	// before a scale-out fires; guards against transient spikes
	SustainFor time.Duration

	// Cooldown is the minimum gap after any scaling action before a
	// scale-in is considered
	Cooldown time.Duration

	Interval time.Duration
}

// DefaultAutoscalerConfig returns conservative defaults
func DefaultAutoscalerConfig() AutoscalerConfig {
	return AutoscalerConfig{
		Min:              1,
		Max:              16,
		BacklogPerWorker: 10,
		SustainFor:       30 * time.Second,
		Cooldown:         2 * time.Minute,
		Interval:         5 * time.Second,
	}
}

// Autoscaler grows and shrinks the worker pool from queue backlog.
// ScaleOut asks the operator hook for one more worker; ScaleIn drains a
// named idle worker. Both hooks may be slow; they run outside the pool
// lock.
type Autoscaler struct {
	pool   *Pool
	config AutoscalerConfig

	depth    func() int // total backlog across queues
	scaleOut func()
	scaleIn  func(workerID string)

	breachedSince time.Time
	lastAction    time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewAutoscaler creates an autoscaler over the pool
func NewAutoscaler(pool *Pool, config AutoscalerConfig, depth func() int, scaleOut func(), scaleIn func(workerID string)) *Autoscaler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	return &Autoscaler{
		pool:     pool,
		config:   config,
		depth:    depth,
		scaleOut: scaleOut,
		scaleIn:  scaleIn,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the evaluation loop
func (a *Autoscaler) Start() {
	go a.run()
}

// Stop stops the evaluation loop
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	<-a.done
}

func (a *Autoscaler) run() {
	defer close(a.done)
	logger := log.WithComponent("autoscaler")
	logger.Info().
		Int("min", a.config.Min).
		Int("max", a.config.Max).
		Float64("backlog_per_worker", a.config.BacklogPerWorker).
		Msg("Autoscaler started")

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Evaluate(timeNow())
		}
	}
}

// Evaluate runs one scaling decision at now. Exposed for deterministic
// tests.
func (a *Autoscaler) Evaluate(now time.Time) {
	counts := a.pool.CountsByState()
	live := counts[types.WorkerIdle] + counts[types.WorkerBusy]
	backlog := a.depth()

	denominator := live
	if denominator < 1 {
		denominator = 1
	}
	ratio := float64(backlog) / float64(denominator)

	logger := log.WithComponent("autoscaler")

	if ratio > a.config.BacklogPerWorker {
		if a.breachedSince.IsZero() {
			a.breachedSince = now
		}
		if live < a.config.Max && now.Sub(a.breachedSince) >= a.config.SustainFor {
			logger.Info().
				Int("backlog", backlog).
				Int("live_workers", live).
				Float64("ratio", ratio).
				Msg("Backlog sustained above threshold, scaling out")
			a.scaleOut()
			a.breachedSince = time.Time{}
			a.lastAction = now
		}
		return
	}
	a.breachedSince = time.Time{}

	// scale in only from a fully idle pool, and only after the cooldown
	if backlog == 0 && live > a.config.Min && counts[types.WorkerBusy] == 0 &&
		now.Sub(a.lastAction) >= a.config.Cooldown {
		if id, ok := a.pickIdle(); ok {
			logger.Info().Str("worker_id", id).Msg("Pool idle, scaling in")
			a.scaleIn(id)
			a.lastAction = now
		}
	}
}

func (a *Autoscaler) pickIdle() (string, bool) {
	for _, w := range a.pool.List() {
		if w.State == types.WorkerIdle {
			return w.ID, true
		}
	}
	return "", false
}
