/*
Package audit provides the append-only audit log of engine lifecycle events.

Every significant transition in Burrow leaves an entry here: envelope
outcomes, dead-letter forwards, worker liveness changes, blocked job runs,
workflow variable overwrites. The log is the operator's first stop when asking
"what happened to X", and the `burrow audit` command is a thin wrapper over
its query surface.

# Core Components

Entry:
  - Type: lifecycle event name, e.g. "envelope.dead_lettered"
  - Queue, Worker, TaskDef, Workflow: dimensional fields for filtering
  - State, Reason, Detail: outcome context
  - ID and Timestamp are filled on record when absent

Filter:
  - Zero-valued fields match anything
  - Type matches by prefix, so "envelope." selects the whole family
  - Since excludes entries older than the given time

Log:
  - In-memory ring with capped retention (default 10000 entries)
  - Overflow drops the oldest half in one cut rather than shifting per entry
  - Optional Sink forwards each entry for on-disk archiving

# Usage

	auditLog := audit.NewLog(5000)
	auditLog.Record(audit.Entry{
		Type:   "envelope.dead_lettered",
		Queue:  "payments",
		Reason: types.ReasonMaxAttempts,
	})

	recent := auditLog.Query(audit.Filter{Type: "envelope."}, 50)
	for _, e := range recent {
		fmt.Println(e.Timestamp, e.Type, e.Detail)
	}

Queries return newest first. A sink failure is counted in metrics and never
blocks the recording path.

# Integration Points

  - pkg/engine records entries from the event bus and its own decisions
  - pkg/workflow records variable overwrites and guard decisions
  - pkg/storage implements the Sink interface over BoltDB
  - cmd/burrow exposes queries through the audit subcommand
*/
package audit
