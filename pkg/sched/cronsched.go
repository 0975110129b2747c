package sched

import (
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/cron"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

const defaultPollInterval = 1 * time.Second

// JobSource yields the current set of job definitions. The scheduler
// re-reads it every poll so declares and replacements take effect without
// restarts.
type JobSource func() []*types.JobDef

// FireFunc is called once per due trigger of a job definition
type FireFunc func(job *types.JobDef, firedAt time.Time)

type jobState struct {
	schedule *cron.Schedule // nil for interval/date triggers
	expr     string
	nextFire time.Time
	done     bool // date triggers fire exactly once
}

// CronScheduler drives timed job triggers: cron expressions, fixed
// intervals, and one-shot dates. Manual and event triggers never fire
// here. A window with several missed cycles coalesces into one fire.
type CronScheduler struct {
	source JobSource
	fire   FireFunc

	mu     sync.Mutex
	states map[string]*jobState

	pollInterval time.Duration
	stopCh       chan struct{}
}

// NewCronScheduler creates a scheduler over the given job source
func NewCronScheduler(source JobSource, fire FireFunc) *CronScheduler {
	return &CronScheduler{
		source:       source,
		fire:         fire,
		states:       make(map[string]*jobState),
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the polling loop
func (c *CronScheduler) Start() {
	go c.run()
}

// Stop stops the polling loop
func (c *CronScheduler) Stop() {
	close(c.stopCh)
}

func (c *CronScheduler) run() {
	logger := log.WithComponent("cron")
	logger.Info().Dur("poll_interval", c.pollInterval).Msg("Job trigger loop started")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger.Info().Msg("Job trigger loop stopped")
			return
		case <-ticker.C:
			c.Tick(timeNow())
		}
	}
}

// Tick fires every job due at or before now. Exposed so tests and manual
// drivers can advance time deterministically.
func (c *CronScheduler) Tick(now time.Time) {
	jobs := c.source()

	type firing struct {
		job *types.JobDef
	}
	var due []firing

	c.mu.Lock()
	live := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		live[job.Name] = struct{}{}
		st := c.refresh(job, now)
		if st == nil || st.done {
			continue
		}
		if st.nextFire.After(now) {
			continue
		}
		due = append(due, firing{job: job})
		c.advance(job, st, now)
	}
	// drop state for jobs removed from the topology
	for name := range c.states {
		if _, ok := live[name]; !ok {
			delete(c.states, name)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		metrics.CronFired.WithLabelValues(f.job.Name).Inc()
		c.fire(f.job, now)
	}
}

// refresh returns the tracked state for a job, building or rebuilding it
// when the job is new or its trigger changed. Returns nil for untimed
// triggers.
func (c *CronScheduler) refresh(job *types.JobDef, now time.Time) *jobState {
	switch job.Trigger {
	case types.TriggerCron:
		st, ok := c.states[job.Name]
		if ok && st.expr == job.CronExpr {
			return st
		}
		var opts []cron.Option
		if job.AllowLW {
			opts = append(opts, cron.WithLW())
		}
		schedule, err := cron.Parse(job.CronExpr, opts...)
		if err != nil {
			// declares validate expressions, so this only happens if a bad
			// definition slipped past; skip rather than wedge the loop
			log.WithComponent("cron").Error().Err(err).Str("job", job.Name).Msg("Unparseable cron expression")
			delete(c.states, job.Name)
			return nil
		}
		st = &jobState{schedule: schedule, expr: job.CronExpr, nextFire: schedule.Next(now)}
		c.states[job.Name] = st
		return st

	case types.TriggerInterval:
		st, ok := c.states[job.Name]
		if !ok {
			st = &jobState{nextFire: now.Add(job.Interval)}
			c.states[job.Name] = st
		}
		return st

	case types.TriggerDate:
		st, ok := c.states[job.Name]
		if !ok {
			st = &jobState{nextFire: job.At}
			c.states[job.Name] = st
		}
		return st
	}
	return nil
}

func (c *CronScheduler) advance(job *types.JobDef, st *jobState, now time.Time) {
	switch job.Trigger {
	case types.TriggerCron:
		st.nextFire = st.schedule.Next(now)
	case types.TriggerInterval:
		st.nextFire = st.nextFire.Add(job.Interval)
		// coalesce a backlog of missed cycles into the single fire above
		for !st.nextFire.After(now) {
			st.nextFire = st.nextFire.Add(job.Interval)
		}
	case types.TriggerDate:
		st.done = true
	}
}

// NextFire reports the next computed fire time for a job, if tracked
func (c *CronScheduler) NextFire(job string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[job]
	if !ok || st.done {
		return time.Time{}, false
	}
	return st.nextFire, true
}
