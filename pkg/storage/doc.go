/*
Package storage provides the optional on-disk archive for audit entries and
dead letters.

The engine is in-memory by design; what persists is the record of terminal
outcomes. When a data directory is configured, every audit entry and every
dead-lettered envelope is appended to a BoltDB file so that "what happened
last Tuesday" survives a restart. Without a data directory the NopArchive
stands in and every write is a no-op.

# Storage Layout

One BoltDB file, burrow.db, with three buckets:

	audit         nanos/id → JSON-encoded audit.Entry
	dead_letters  nanos/id → JSON-encoded types.Envelope
	topology      version  → JSON-encoded topology.Declarations

Audit and dead-letter keys are prefixed with the record's UnixNano
timestamp, so iteration order is record order and the newest entries are
at the tail. Topology keys are big-endian version numbers; every
accepted declaration writes the whole new snapshot, and LatestTopology
returns the most recent one.

# Usage

	archive, err := storage.NewBoltArchive("/var/lib/burrow")
	if err != nil {
		return err
	}
	defer archive.Close()

	auditLog.SetSink(archive)

	recent, err := archive.DeadLetters(100)

DeadLetters returns the most recent dead-lettered envelopes, newest first.
Append failures are reported to the caller; the audit log counts them and
keeps going, since archiving must never block the engine.

# Integration Points

  - pkg/engine creates the archive when Config.DataDir is set and saves
    dead letters as their events arrive
  - pkg/audit forwards every recorded entry through the Sink interface
  - cmd/burrow reads archived dead letters for offline inspection
*/
package storage
