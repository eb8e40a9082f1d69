package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRunCounters(t *testing.T) {
	RecordRun("passed", 1200*time.Millisecond)
	RecordStep("click", "failed", 80*time.Millisecond)
	RecordEvidence("screenshot-before", 2048)
	RecordDiagnostics("fallback")
	RecordBrowserLaunch()
	IncActiveRuns()
	defer DecActiveRuns()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	MetricsHandler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `checkride_runs_total{status="passed"}`)
	assert.Contains(t, body, `checkride_steps_total{action="click",status="failed"}`)
	assert.Contains(t, body, `checkride_evidence_artifacts_total{kind="screenshot-before"}`)
	assert.Contains(t, body, `checkride_diagnostics_requests_total{outcome="fallback"}`)
	assert.Contains(t, body, "checkride_browser_launches_total")
	assert.Contains(t, body, "checkride_active_runs")
}
