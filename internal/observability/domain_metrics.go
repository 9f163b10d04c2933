package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbtgen_generations_total",
			Help: "Total number of artifact generation runs by input source and status.",
		},
		[]string{"source", "status"},
	)
	modelCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbtgen_model_call_duration_seconds",
			Help:    "Latency of model invocations by provider and outcome.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180},
		},
		[]string{"provider", "outcome"},
	)
	extractionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbtgen_extraction_failures_total",
			Help: "Total number of model responses that could not be split into an artifact pair.",
		},
		[]string{"kind"},
	)
	artifactsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbtgen_artifacts_published_total",
			Help: "Total number of artifact archives uploaded to the object store.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbtgen_active_sessions",
			Help: "Current number of open warehouse sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal,
		modelCallDurationSeconds,
		extractionFailuresTotal,
		artifactsPublishedTotal,
		activeSessions,
	)
}

func ObserveGeneration(source, status string) {
	generationsTotal.WithLabelValues(source, status).Inc()
}

func ObserveModelCall(provider string, failed bool, elapsed time.Duration) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	modelCallDurationSeconds.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

func IncrementExtractionFailure(kind string) {
	extractionFailuresTotal.WithLabelValues(kind).Inc()
}

func IncrementArtifactsPublished() {
	artifactsPublishedTotal.Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}
