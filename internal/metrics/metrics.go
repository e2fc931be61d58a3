// Package metrics provides Prometheus metrics collection for the churn service.
// It defines the engine, session and API metrics exposed on the /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the churn service
type Metrics struct {
	// Engine transport metrics
	EngineRequests prometheus.Counter   // Requests sent to the modeling engine
	EngineFailures prometheus.Counter   // Engine requests that failed or were rejected
	EngineLatency  prometheus.Histogram // Engine request latency

	// Session metrics
	ModelsTrained        prometheus.Counter
	Predictions          prometheus.Counter
	ChurnRates           prometheus.Histogram // Distribution of reported churn rates, in percent
	Explanations         *prometheus.CounterVec
	PreconditionFailures prometheus.Counter
	OperationLatency     *prometheus.HistogramVec

	// Storage and API metrics
	ScoresStored prometheus.Counter
	APIRequests  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		EngineRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_requests_total",
			Help: "Total number of requests sent to the modeling engine",
		}),
		EngineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_failures_total",
			Help: "Total number of failed or rejected engine requests",
		}),
		EngineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_latency_seconds",
			Help:    "Modeling engine request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		ModelsTrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "models_trained_total",
			Help: "Total number of churn models trained",
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of test frames scored",
		}),
		ChurnRates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "churn_rate_percent",
			Help:    "Distribution of reported customer churn rates in percent",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		Explanations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "explanations_total",
			Help: "Total number of explanations rendered, by kind",
		}, []string{"kind"}),
		PreconditionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "precondition_failures_total",
			Help: "Total number of session operations called out of order",
		}),
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "operation_latency_seconds",
			Help:    "Session operation latency in seconds (end-to-end)",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		ScoresStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scores_stored_total",
			Help: "Total number of customer scores persisted",
		}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests, by route and status",
		}, []string{"route", "status"}),
	}
}

// EngineFailureRate is the share of engine requests that failed, read from
// gatherer. Returns 0 when no request has been recorded.
func EngineFailureRate(gatherer prometheus.Gatherer) float64 {
	var total, failed float64

	metricFamilies, err := gatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "engine_requests_total":
			for _, m := range mf.GetMetric() {
				total = m.GetCounter().GetValue()
			}
		case "engine_failures_total":
			for _, m := range mf.GetMetric() {
				failed = m.GetCounter().GetValue()
			}
		}
	}

	if total == 0 {
		return 0
	}
	return failed / total
}
