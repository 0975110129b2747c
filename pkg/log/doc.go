/*
Package log provides structured logging for all Burrow components.

The package wraps zerolog with a process-wide logger and a small set of
context helpers. Components never construct their own loggers; they ask for
one pre-tagged with the field that identifies them, so every line in the
output can be traced back to a component, queue, worker, envelope, or
workflow instance.

# Configuration

	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: true,
	})

Levels are debug, info, warn, and error. JSONOutput selects JSON lines, one
event per line, suitable for shipping; the default is the human-readable
console writer for interactive use.

# Usage

	log.WithComponent("runtime").Info().
		Str("queue", "payments").
		Int("ready", depth).
		Msg("Dispatch cycle complete")

	log.WithEnvelopeID(env.ID).Warn().
		Err(err).
		Msg("Lease deadline passed")

Context helpers:
  - WithComponent: engine, runtime, workers, workflow, jobs, sched
  - WithQueue, WithWorkerID, WithEnvelopeID, WithInstanceID

Helpers return a *zerolog.Logger so level methods chain directly on the
call; further fields are cheap until the event is actually written.

# Conventions

  - Messages are short sentences in sentence case, no trailing period
  - Identifiers go in fields, never interpolated into the message
  - Debug is for per-envelope noise, info for state changes an operator
    would care about, error for conditions that need attention
*/
package log
