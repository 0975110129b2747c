package sched

import (
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

// timeNow is swapped in tests
var timeNow = time.Now

// TimerFunc is invoked when a timer fires. It runs on the registry's
// loop goroutine and must not block.
type TimerFunc func(timerID string)

type timerEntry struct {
	id        string
	fireAt    time.Time
	remaining int // recurrences left after the next fire, 0 = one-shot
	every     time.Duration
	fn        TimerFunc
}

// TimerRegistry fires workflow timers: fixed durations, absolute
// date-times, and bounded recurrences. Cancelled timers never fire.
type TimerRegistry struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	stopCh  chan struct{}
	wakeCh  chan struct{}
}

// NewTimerRegistry creates a timer registry
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{
		entries: make(map[string]*timerEntry),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start begins the firing loop
func (t *TimerRegistry) Start() {
	go t.run()
}

// Stop stops the firing loop
func (t *TimerRegistry) Stop() {
	close(t.stopCh)
}

// Register schedules a timer. For recurring specs the callback fires once
// per cycle until the recurrence count is exhausted.
func (t *TimerRegistry) Register(id string, spec *types.TimerSpec, fn TimerFunc) {
	now := timeNow()

	entry := &timerEntry{id: id, fn: fn}
	switch {
	case !spec.At.IsZero():
		entry.fireAt = spec.At
	case spec.Repeat > 0:
		entry.fireAt = now.Add(spec.Every)
		entry.remaining = spec.Repeat - 1
		entry.every = spec.Every
	default:
		entry.fireAt = now.Add(spec.Duration)
	}

	t.mu.Lock()
	t.entries[id] = entry
	t.mu.Unlock()
	t.wake()
}

// Cancel drops a timer before it fires
func (t *TimerRegistry) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of armed timers
func (t *TimerRegistry) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// FireDue fires every timer due at or before now and returns how many
// fired. Exposed for deterministic advancement in tests and by callers
// that drive time themselves.
func (t *TimerRegistry) FireDue(now time.Time) int {
	type firing struct {
		id string
		fn TimerFunc
	}
	var due []firing

	t.mu.Lock()
	for id, e := range t.entries {
		if e.fireAt.After(now) {
			continue
		}
		due = append(due, firing{id: id, fn: e.fn})
		if e.remaining > 0 {
			e.remaining--
			e.fireAt = e.fireAt.Add(e.every)
		} else {
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, f := range due {
		metrics.TimersFired.Inc()
		f.fn(f.id)
	}
	return len(due)
}

func (t *TimerRegistry) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *TimerRegistry) run() {
	logger := log.WithComponent("timers")
	logger.Debug().Msg("Timer loop started")

	for {
		t.mu.Lock()
		var next time.Time
		for _, e := range t.entries {
			if next.IsZero() || e.fireAt.Before(next) {
				next = e.fireAt
			}
		}
		t.mu.Unlock()

		var wait <-chan time.Time
		var pending *time.Timer
		if !next.IsZero() {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			pending = time.NewTimer(d)
			wait = pending.C
		}

		select {
		case <-t.stopCh:
			if pending != nil {
				pending.Stop()
			}
			logger.Debug().Msg("Timer loop stopped")
			return
		case <-t.wakeCh:
			if pending != nil {
				pending.Stop()
			}
		case <-wait:
			t.FireDue(timeNow())
		}
	}
}
