// Package metrics exposes Prometheus instrumentation for the orchestrator,
// the safety engines and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agenthub"

// Metrics groups every collector behind a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeWorkflows prometheus.Gauge
	workflows       *prometheus.CounterVec
	steps           *prometheus.CounterVec
	retries         *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	allocations     prometheus.Gauge
	safety          *prometheus.CounterVec
	scanScore       prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workflows",
			Help: "Workflows currently being executed.",
		}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflows_total",
			Help: "Workflows that reached a terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total",
			Help: "Step outcomes by agent type.",
		}, []string{"agent_type", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_retries_total",
			Help: "Step retry attempts by agent type.",
		}, []string{"agent_type"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Wall time of a single step attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total",
			Help: "Resource conflicts by resolution strategy.",
		}, []string{"strategy"}),
		allocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "allocations",
			Help: "Agent instances currently allocated.",
		}),
		safety: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "safety_verdicts_total",
			Help: "DeFi safety decisions.",
		}, []string{"decision"}),
		scanScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "security_scan_risk_score",
			Help:    "Aggregate risk score of security scans.",
			Buckets: []float64{0, 5, 20, 50, 75, 100},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeWorkflows, m.workflows, m.steps, m.retries, m.stepDuration,
		m.conflicts, m.allocations, m.safety, m.scanScore,
		m.httpRequests, m.httpLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WorkflowStarted() {
	if m != nil {
		m.activeWorkflows.Inc()
	}
}

func (m *Metrics) WorkflowFinished(status string) {
	if m != nil {
		m.activeWorkflows.Dec()
		m.workflows.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) StepFinished(agentType, status string, d time.Duration) {
	if m != nil {
		m.steps.WithLabelValues(agentType, status).Inc()
		if d > 0 {
			m.stepDuration.WithLabelValues(agentType).Observe(d.Seconds())
		}
	}
}

func (m *Metrics) StepRetried(agentType string) {
	if m != nil {
		m.retries.WithLabelValues(agentType).Inc()
	}
}

func (m *Metrics) ConflictResolved(strategy string) {
	if m != nil {
		m.conflicts.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) SetAllocations(n int) {
	if m != nil {
		m.allocations.Set(float64(n))
	}
}

func (m *Metrics) SafetyDecision(decision string) {
	if m != nil {
		m.safety.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) ScanScored(score int) {
	if m != nil {
		m.scanScore.Observe(float64(score))
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}
