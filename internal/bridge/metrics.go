package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/jsbridge/internal/model"
)

// Create failure reasons.
const (
	reasonCapacity = "capacity"
	reasonEngine   = "engine"
	reasonClosed   = "closed"
)

var (
	contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsbridge_contexts_active",
			Help: "Number of live script contexts.",
		},
	)

	contextsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsbridge_contexts_created_total",
			Help: "Total number of script contexts created.",
		},
	)

	contextCreateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsbridge_context_create_failures_total",
			Help: "Total number of failed context creations.",
		},
		[]string{"reason"},
	)

	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsbridge_evaluations_total",
			Help: "Total number of evaluations by outcome.",
		},
		[]string{"outcome"},
	)

	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jsbridge_evaluation_duration_seconds",
			Help:    "Time spent evaluating source in a context, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	jobsRunTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsbridge_jobs_run_total",
			Help: "Total number of pending jobs run by drain loops.",
		},
	)
)

func init() {
	prometheus.MustRegister(contextsActive)
	prometheus.MustRegister(contextsCreatedTotal)
	prometheus.MustRegister(contextCreateFailuresTotal)
	prometheus.MustRegister(evaluationsTotal)
	prometheus.MustRegister(evaluationDuration)
	prometheus.MustRegister(jobsRunTotal)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	for _, reason := range []string{reasonCapacity, reasonEngine, reasonClosed} {
		contextCreateFailuresTotal.WithLabelValues(reason)
	}
	for _, outcome := range []string{model.OutcomeValue, model.OutcomeException, model.OutcomeNotFound} {
		evaluationsTotal.WithLabelValues(outcome)
	}
}
