package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestDomainMetricsAreExported(t *testing.T) {
	ObserveGeneration("upload", "succeeded")
	ObserveModelCall("anthropic", false, 1500*time.Millisecond)
	IncrementExtractionFailure("missing_identifier")
	IncrementArtifactsPublished()
	SetActiveSessions(-3)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	byName := map[string]*dto.MetricFamily{}
	for _, family := range families {
		byName[family.GetName()] = family
	}
	for _, name := range []string{
		"dbtgen_generations_total",
		"dbtgen_model_call_duration_seconds",
		"dbtgen_extraction_failures_total",
		"dbtgen_artifacts_published_total",
		"dbtgen_active_sessions",
	} {
		if _, ok := byName[name]; !ok {
			t.Fatalf("metric %s not registered", name)
		}
	}
	if got := byName["dbtgen_active_sessions"].GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("active sessions = %v, want clamp to 0", got)
	}
}
