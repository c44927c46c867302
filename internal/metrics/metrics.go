package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferq_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inferq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inferq_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferq_admissions_total",
			Help: "Admission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferq_quota_denials_total",
			Help: "Requests denied by the quota store, by dimension.",
		},
		[]string{"dimension"},
	)

	QuotaStoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inferq_quota_store_errors_total",
			Help: "Quota store calls that failed and fell back to the configured policy.",
		},
	)

	DispatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inferq_dispatch_failures_total",
			Help: "Requests written to the ledger whose queue publish failed.",
		},
	)

	ReconcilerRepublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferq_reconciler_republished_total",
			Help: "Stuck queued requests republished by the reconciler, by result.",
		},
		[]string{"result"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferq_tasks_completed_total",
			Help: "Total number of requests completed by workers.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		AdmissionsTotal,
		QuotaDenialsTotal,
		QuotaStoreErrorsTotal,
		DispatchFailuresTotal,
		ReconcilerRepublishedTotal,
		TasksCompletedTotal,
	)
}
