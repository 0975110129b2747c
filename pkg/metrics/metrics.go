package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Envelope lifecycle metrics
	EnvelopesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_published_total",
			Help: "Total number of envelopes accepted by the engine, by kind",
		},
		[]string{"kind"},
	)

	EnvelopesTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_terminal_total",
			Help: "Total number of envelopes reaching a terminal state, by queue and state",
		},
		[]string{"queue", "state"},
	)

	EnvelopesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_dead_lettered_total",
			Help: "Total number of dead-lettered envelopes by queue and reason",
		},
		[]string{"queue", "reason"},
	)

	EnvelopesUnroutable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_unroutable_total",
			Help: "Total number of unroutable publishes by exchange and reason",
		},
		[]string{"exchange", "reason"},
	)

	EnvelopesRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_retried_total",
			Help: "Total number of retry requeues by queue",
		},
		[]string{"queue"},
	)

	EnvelopesLostAutoAck = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_lost_auto_ack_total",
			Help: "Envelopes lost to worker failure under auto ack mode",
		},
	)

	EnvelopesExpiredDrop = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_envelopes_expired_dropped_total",
			Help: "Expired envelopes dropped because no live DLQ target existed",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_queue_depth",
			Help: "Number of envelopes waiting on each queue",
		},
		[]string{"queue"},
	)

	QueueStranded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_queue_stranded",
			Help: "Whether no registered worker can satisfy the queue's capability labels (1 = stranded)",
		},
		[]string{"queue"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_delivery_latency_seconds",
			Help:    "Time from eligibility to lease issuance in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workers_total",
			Help: "Total number of workers by state",
		},
		[]string{"state"},
	)

	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_leases_active",
			Help: "Number of outstanding leases",
		},
	)

	LeasesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_leases_reclaimed_total",
			Help: "Leases reclaimed from lost workers by disposition",
		},
		[]string{"disposition"},
	)

	PlacementAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_placement_attempts_total",
			Help: "Placement attempts by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Scheduler metrics
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_rate_limited_total",
			Help: "Task submissions rejected by the token bucket, by task definition",
		},
		[]string{"task_def"},
	)

	CronFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_cron_fired_total",
			Help: "Cron triggers fired by job definition",
		},
		[]string{"job"},
	)

	TimersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_timers_fired_total",
			Help: "Workflow timers fired",
		},
	)

	DelayQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_delay_queue_depth",
			Help: "Entries waiting in the delay queue",
		},
	)

	// Workflow metrics
	WorkflowInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workflow_instances",
			Help: "Workflow instances by workflow and state",
		},
		[]string{"workflow", "state"},
	)

	WorkflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_workflow_transitions_total",
			Help: "Workflow transitions taken by workflow",
		},
		[]string{"workflow"},
	)

	// Engine metrics
	DispatchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_dispatch_cycle_duration_seconds",
			Help:    "Time taken by one dispatch pump cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_audit_events_total",
			Help: "Audit events recorded by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_dropped_total",
			Help: "Bus events dropped on full subscriber buffers, by event type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EnvelopesPublished)
	prometheus.MustRegister(EnvelopesTerminal)
	prometheus.MustRegister(EnvelopesDeadLettered)
	prometheus.MustRegister(EnvelopesUnroutable)
	prometheus.MustRegister(EnvelopesRetried)
	prometheus.MustRegister(EnvelopesLostAutoAck)
	prometheus.MustRegister(EnvelopesExpiredDrop)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueStranded)
	prometheus.MustRegister(DeliveryLatency)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(LeasesReclaimed)
	prometheus.MustRegister(PlacementAttempts)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(CronFired)
	prometheus.MustRegister(TimersFired)
	prometheus.MustRegister(DelayQueueDepth)
	prometheus.MustRegister(WorkflowInstances)
	prometheus.MustRegister(WorkflowTransitions)
	prometheus.MustRegister(DispatchCycleDuration)
	prometheus.MustRegister(AuditEvents)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
