package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	IntentTransitions *prometheus.CounterVec
	LedgerEntries     *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	IssuerRequests    *prometheus.CounterVec
	IssuerLatency     *prometheus.HistogramVec
	AuthorizationAcks *prometheus.CounterVec
	JobsEnqueued      *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobRetries        *prometheus.CounterVec
	JobsDeadLettered  *prometheus.CounterVec
	AsyncDropped      *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			IntentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intent_transitions_total",
				Help:      "Total intent state transitions by event and resulting status.",
			}, []string{"event", "status"}),
			LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_entries_total",
				Help:      "Total ledger entries appended by type.",
			}, []string{"type"}),
			ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Total approval decisions recorded, including idempotent replays.",
			}, []string{"decision", "replayed"}),
			IssuerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issuer_requests_total",
				Help:      "Total card issuer API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			IssuerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "issuer_request_duration_seconds",
				Help:      "Latency distribution for card issuer API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			AuthorizationAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authorization_acks_total",
				Help:      "Total real-time authorization webhook responses by decision.",
			}, []string{"decision"}),
			JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_enqueued_total",
				Help:      "Total jobs enqueued by kind.",
			}, []string{"kind"}),
			JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total jobs finished successfully by kind.",
			}, []string{"kind"}),
			JobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_retries_total",
				Help:      "Total job retry attempts scheduled by kind.",
			}, []string{"kind"}),
			JobsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dead_lettered_total",
				Help:      "Total jobs moved to the dead-letter list after exhausting retries.",
			}, []string{"kind"}),
			AsyncDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_tasks_dropped_total",
				Help:      "Total best-effort tasks dropped due to a full submission queue.",
			}, []string{"task"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.IntentTransitions,
			metricsInstance.LedgerEntries,
			metricsInstance.ApprovalDecisions,
			metricsInstance.IssuerRequests,
			metricsInstance.IssuerLatency,
			metricsInstance.AuthorizationAcks,
			metricsInstance.JobsEnqueued,
			metricsInstance.JobsCompleted,
			metricsInstance.JobRetries,
			metricsInstance.JobsDeadLettered,
			metricsInstance.AsyncDropped,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
