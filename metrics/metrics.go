package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_events_evaluated_total",
			Help: "Total number of security events evaluated by the rule engine",
		},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"severity"},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_rule_evaluation_errors_total",
			Help: "Total number of rule evaluation errors (malformed configs, evaluator failures)",
		},
		[]string{"condition_type"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bluelight_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against the active rule set",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_alerts_created_total",
			Help: "Total number of security alerts created",
		},
		[]string{"severity"},
	)

	AlertsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_alerts_merged_total",
			Help: "Total number of rule matches merged into existing alerts",
		},
		[]string{"severity"},
	)

	AlertsEscalated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_alerts_escalated_total",
			Help: "Total number of alerts escalated by occurrence thresholds",
		},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_alerts_suppressed_total",
			Help: "Total number of matches recorded against suppressed alerts",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_notifications_sent_total",
			Help: "Total number of alert notifications delivered",
		},
		[]string{"channel"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_notifications_failed_total",
			Help: "Total number of alert notifications that exhausted retries or failed terminally",
		},
		[]string{"channel"},
	)

	NotificationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_notification_retries_total",
			Help: "Total number of notification delivery retries",
		},
		[]string{"channel"},
	)

	IdempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_idempotency_cache_hits_total",
			Help: "Total number of idempotency cache hits (replayed outcomes)",
		},
	)

	IdempotencyMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_idempotency_cache_misses_total",
			Help: "Total number of idempotency cache misses (fresh executions)",
		},
	)

	IdempotencyEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bluelight_idempotency_cache_evictions_total",
			Help: "Total number of idempotency cache entries evicted",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluelight_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluelight_worker_pool_queue_size",
			Help: "Current queued task count per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelight_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool_type"},
	)
)
