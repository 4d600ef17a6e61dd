// Package metrics registers the service's Prometheus instrumentation.
// Background activities convert errors into these counters plus structured
// logs; the pipeline records request outcomes and latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the service collectors. A nil *Metrics is a no-op receiver
// so unit tests can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	predictions      *prometheus.CounterVec
	predictionTime   *prometheus.HistogramVec
	trainingJobs     *prometheus.CounterVec
	eventsConsumed   *prometheus.CounterVec
	cacheInvalidated prometheus.Counter
}

// New creates and registers the service collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgesight",
			Name:      "predictions_total",
			Help:      "Predictions served, by family and cache status.",
		}, []string{"family", "cache_status"}),
		predictionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forgesight",
			Name:      "prediction_duration_seconds",
			Help:      "End-to-end prediction latency, by family.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"family"}),
		trainingJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgesight",
			Name:      "training_jobs_total",
			Help:      "Training jobs processed, by family and terminal status.",
		}, []string{"family", "status"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgesight",
			Name:      "events_consumed_total",
			Help:      "Domain events consumed, by handling result.",
		}, []string{"result"}),
		cacheInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forgesight",
			Name:      "cache_invalidations_total",
			Help:      "Cache pattern invalidations performed after active-swaps.",
		}),
	}

	registry.MustRegister(
		m.predictions, m.predictionTime, m.trainingJobs, m.eventsConsumed, m.cacheInvalidated,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// ObservePrediction records one served prediction.
func (m *Metrics) ObservePrediction(family, cacheStatus string, seconds float64) {
	if m == nil {
		return
	}

	m.predictions.WithLabelValues(family, cacheStatus).Inc()
	m.predictionTime.WithLabelValues(family).Observe(seconds)
}

// ObserveTrainingJob records one finished training job.
func (m *Metrics) ObserveTrainingJob(family, status string) {
	if m == nil {
		return
	}

	m.trainingJobs.WithLabelValues(family, status).Inc()
}

// ObserveEvent records one consumed domain event by result
// (ingested, duplicate, invalid, error).
func (m *Metrics) ObserveEvent(result string) {
	if m == nil {
		return
	}

	m.eventsConsumed.WithLabelValues(result).Inc()
}

// ObserveCacheInvalidation records one pattern invalidation.
func (m *Metrics) ObserveCacheInvalidation() {
	if m == nil {
		return
	}

	m.cacheInvalidated.Inc()
}
