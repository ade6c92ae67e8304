package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orchestrator"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Job lifecycle metrics
var (
	// JobsCreatedTotal counts created jobs, split by whether the request
	// was an idempotent replay.
	JobsCreatedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of bulk jobs created",
		},
		[]string{"tenant", "replayed"},
	)

	// JobTransitionsTotal counts job state transitions
	JobTransitionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Total number of job state transitions",
		},
		[]string{"from", "to"},
	)

	// ItemsSettledTotal counts items reaching a terminal state
	ItemsSettledTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_settled_total",
			Help:      "Total number of items settled by terminal state",
		},
		[]string{"state"},
	)

	// ItemRenderDuration records observed item processing duration
	ItemRenderDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_render_duration_seconds",
			Help:      "Observed item processing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
	)

	// ItemsClaimedTotal counts items the dispatcher handed to the worker pool
	ItemsClaimedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_claimed_total",
			Help:      "Total number of items claimed for processing",
		},
	)

	// HeartbeatTimeoutsTotal counts items failed by the stale-heartbeat sweep
	HeartbeatTimeoutsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of items failed due to heartbeat timeout",
		},
	)

	// TenantsRateLimited tracks how many tenants are currently throttled
	TenantsRateLimited = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenants_rate_limited",
			Help:      "Number of tenants currently dispatch rate limited",
		},
	)
)

// Event bus metrics
var (
	// EventsPublishedTotal counts published events by type
	EventsPublishedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to the bus",
		},
		[]string{"type"},
	)

	// EventSubscribers tracks the current number of live subscriptions
	EventSubscribers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Current number of live event subscriptions",
		},
	)

	// EventReplayGapsTotal counts replay requests older than the buffer
	EventReplayGapsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_replay_gaps_total",
			Help:      "Total number of replay requests that fell off the buffer",
		},
	)
)

// Idempotency and webhook metrics
var (
	// IdempotencyReplaysTotal counts create requests answered from a stored key
	IdempotencyReplaysTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_replays_total",
			Help:      "Total number of create requests deduplicated by idempotency key",
		},
	)

	// IdempotencyConflictsTotal counts key reuse with a different payload
	IdempotencyConflictsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_conflicts_total",
			Help:      "Total number of idempotency key conflicts",
		},
	)

	// IdempotencyKeysDeleted counts keys reclaimed by the cleanup job
	IdempotencyKeysDeleted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_keys_deleted_total",
			Help:      "Total number of expired idempotency keys deleted by cleanup job",
		},
	)

	// WebhookDeliveriesTotal counts terminal callback deliveries by result
	WebhookDeliveriesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of terminal callback delivery attempts",
		},
		[]string{"result"},
	)
)

// Init initializes the metrics registry and sets version information
func Init(version, commit, buildDate string) {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
