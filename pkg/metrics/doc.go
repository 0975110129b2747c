/*
Package metrics defines Burrow's Prometheus instrumentation.

All metrics are package-level vars registered at init, prefixed with
"burrow_", and updated inline at the point where the measured thing happens.
Gauges that mirror engine state are refreshed by a periodic Collector rather
than being computed on scrape.

# Metric Catalog

Envelope lifecycle (counters):
  - burrow_envelopes_published_total{kind}
  - burrow_envelopes_terminal_total{state, queue}
  - burrow_envelopes_dead_lettered_total{queue, reason}
  - burrow_envelopes_unroutable_total{exchange, reason}
  - burrow_envelopes_retried_total{queue}
  - burrow_envelopes_lost_auto_ack_total
  - burrow_envelopes_expired_dropped_total

Queues and delivery:
  - burrow_queue_depth{queue} (gauge)
  - burrow_queue_stranded{queue} (gauge, 1 when no live worker can serve it)
  - burrow_delivery_latency_seconds{queue} (histogram, enqueue to lease)
  - burrow_dispatch_cycle_duration_seconds (histogram)

Workers and leases:
  - burrow_workers_total{state} (gauge)
  - burrow_leases_active (gauge)
  - burrow_leases_reclaimed_total{cause}
  - burrow_placement_attempts_total{queue, outcome}

Scheduling:
  - burrow_rate_limited_total{task_def}
  - burrow_cron_fired_total{job}
  - burrow_timers_fired_total
  - burrow_delay_queue_depth (gauge)

Workflows and audit:
  - burrow_workflow_instances{workflow, state} (gauge)
  - burrow_workflow_transitions_total{workflow}
  - burrow_audit_events_total{type}
  - burrow_events_dropped_total{type} (bus events lost to slow subscribers)

# Collector

The Collector polls a Source on a fixed interval and pushes the answers into
the state gauges:

	collector := metrics.NewCollector(engine, 15*time.Second)
	collector.Start()
	defer collector.Stop()

The Source interface is implemented by the engine and reports queue depths,
worker counts, active leases, delay queue depth, stranded queues, and
workflow instance counts.

# Serving

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

Handler returns the promhttp handler over the default registry. The serve
command wires this up on its metrics address.

# Timing Helpers

	t := metrics.NewTimer()
	dispatch()
	t.ObserveDuration(metrics.DispatchCycleDuration)

# Conventions

  - Label cardinality stays bounded: queue names, task definition names,
    and states, never envelope or worker IDs
  - Counters count occurrences, gauges mirror current state, histograms
    measure durations in seconds
*/
package metrics
