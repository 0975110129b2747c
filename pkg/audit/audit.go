package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

// Entry is one append-only audit record
type Entry struct {
	ID        string
	Timestamp time.Time
	Type      string // lifecycle event name, e.g. "envelope.dead_lettered"
	Queue     string
	Worker    string
	TaskDef   string
	Workflow  string
	State     string
	Reason    types.Reason
	Detail    string
}

// Filter selects audit entries on query. Zero-valued fields match anything.
type Filter struct {
	Type     string
	Queue    string
	Worker   string
	TaskDef  string
	Workflow string
	Reason   types.Reason
	Since    time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.Type != "" && !strings.HasPrefix(e.Type, f.Type) {
		return false
	}
	if f.Queue != "" && e.Queue != f.Queue {
		return false
	}
	if f.Worker != "" && e.Worker != f.Worker {
		return false
	}
	if f.TaskDef != "" && e.TaskDef != f.TaskDef {
		return false
	}
	if f.Workflow != "" && e.Workflow != f.Workflow {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Sink receives every recorded entry, e.g. for on-disk archiving
type Sink interface {
	AppendAudit(e *Entry) error
}

// Log is an in-memory append-only audit log with capped retention
type Log struct {
	mu      sync.RWMutex
	entries []*Entry
	maxSize int
	sink    Sink
}

// NewLog creates an audit log retaining at most maxSize entries.
// maxSize <= 0 selects the default of 10000.
func NewLog(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Log{maxSize: maxSize}
}

// SetSink attaches an archive sink. Entries are forwarded on record;
// a sink failure never blocks the engine.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Record appends an entry
func (l *Log) Record(e Entry) *Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, &e)
	if len(l.entries) > l.maxSize {
		// Drop the oldest half rather than shifting one at a time
		keep := l.maxSize / 2
		l.entries = append([]*Entry{}, l.entries[len(l.entries)-keep:]...)
	}
	sink := l.sink
	l.mu.Unlock()

	metrics.AuditEvents.WithLabelValues(e.Type).Inc()

	if sink != nil {
		if err := sink.AppendAudit(&e); err != nil {
			// Archive failures are observable, never fatal
			metrics.AuditEvents.WithLabelValues("audit.sink_error").Inc()
		}
	}
	return &e
}

// Query returns up to limit entries matching the filter, newest first.
// limit <= 0 means no limit.
func (l *Log) Query(f Filter, limit int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if f.matches(l.entries[i]) {
			out = append(out, l.entries[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
