package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.WorkflowStarted()
	m.WorkflowStarted()
	m.WorkflowFinished("completed")
	m.StepFinished("security_validator", "completed", 150*time.Millisecond)
	m.StepRetried("security_validator")
	m.ConflictResolved("preempt")
	m.ConflictResolved("preempt")
	m.SafetyDecision("block")
	m.ObserveHTTPRequest("/api/v1/intents", "POST", 200, 10*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.activeWorkflows))
	require.Equal(t, 2.0, testutil.ToFloat64(m.conflicts.WithLabelValues("preempt")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.workflows.WithLabelValues("completed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "agenthub_conflicts_total"), body)
	require.True(t, strings.Contains(body, `agenthub_http_requests_total{code="200",handler="/api/v1/intents",method="POST"} 1`))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.WorkflowStarted()
	m.StepFinished("x", "failed", time.Second)
	m.ObserveHTTPRequest("/", "GET", 500, time.Second)
	require.Nil(t, m.Registry())
}
