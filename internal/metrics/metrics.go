// Package metrics defines the platform's Prometheus metrics.
//
// All metrics are registered with the default registry and served from
// the API server's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - flowpilot_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ExecutionsTotal counts workflow executions by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_executions_total",
			Help: "Total workflow executions by terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDurationSeconds is a histogram of execution duration.
	ExecutionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowpilot_execution_duration_seconds",
			Help:    "Duration of workflow executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// ActiveExecutions is the number of executions currently running.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowpilot_active_executions",
			Help: "Number of workflow executions currently running.",
		},
	)

	// QueueDepth is the number of executions waiting in the work queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowpilot_queue_depth",
			Help: "Number of executions waiting in the scheduler queue.",
		},
	)

	// AITokensTotal counts model tokens consumed, by model.
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_ai_tokens_total",
			Help: "Total AI tokens consumed by workflow executions.",
		},
		[]string{"model"},
	)

	// AICostCentsTotal counts estimated model spend in cents, by model.
	AICostCentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_ai_cost_cents_total",
			Help: "Estimated AI spend in cents.",
		},
		[]string{"model"},
	)

	// CacheLookupsTotal counts semantic cache lookups by result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_cache_lookups_total",
			Help: "Semantic cache lookups by result (hit or miss).",
		},
		[]string{"result"},
	)

	// QuotaDenialsTotal counts requests blocked by quota enforcement.
	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_quota_denials_total",
			Help: "Total operations blocked by quota enforcement.",
		},
		[]string{"resource"},
	)

	// TriggerFiringsTotal counts trigger firings by trigger type.
	TriggerFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_trigger_firings_total",
			Help: "Total trigger firings by trigger type.",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts API requests by method and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpilot_http_requests_total",
			Help: "Total API requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	// HTTPRequestDurationSeconds is a histogram of API request latency.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowpilot_http_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDurationSeconds,
		ActiveExecutions,
		QueueDepth,
		AITokensTotal,
		AICostCentsTotal,
		CacheLookupsTotal,
		QuotaDenialsTotal,
		TriggerFiringsTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}

// RecordExecutionComplete records a terminal execution.
func RecordExecutionComplete(status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDurationSeconds.Observe(duration.Seconds())
}

// RecordAICall records one model call's token and cost usage.
func RecordAICall(model string, tokens, costCents int64) {
	AITokensTotal.WithLabelValues(model).Add(float64(tokens))
	AICostCentsTotal.WithLabelValues(model).Add(float64(costCents))
}

// RecordCacheLookup records a semantic cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordQuotaDenial records one operation blocked by a quota.
func RecordQuotaDenial(resource string) {
	QuotaDenialsTotal.WithLabelValues(resource).Inc()
}

// RecordTriggerFiring records one trigger firing.
func RecordTriggerFiring(triggerType string) {
	TriggerFiringsTotal.WithLabelValues(triggerType).Inc()
}
