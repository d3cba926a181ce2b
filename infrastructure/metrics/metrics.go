// Package metrics provides Prometheus metrics collection for the pipeline
// orchestrator: step throughput/latency, reliability-layer candidate
// outcomes, and circuit-breaker state, so operators can watch a run from
// outside without tailing events.log.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inkforge/pipeline/infrastructure/runtime"
)

// Metrics holds every Prometheus collector the orchestrator and Reliability
// Layer report into.
type Metrics struct {
	// Step Runtime
	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	StepAttempts    *prometheus.HistogramVec
	ActiveRuns      prometheus.Gauge
	FanoutSubTasks  *prometheus.CounterVec

	// Reliability Layer
	CandidateCallsTotal *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	CooldownsEntered    *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry, so
// tests can register against a private registry instead of the global one.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_steps_total",
				Help: "Total number of step executions, by step and outcome",
			},
			[]string{"service", "step", "outcome"}, // outcome: completed|degraded|failed|cancelled
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Wall-clock duration of one step execution, including revise attempts",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"service", "step"},
		),
		StepAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_attempts",
				Help:    "Number of generate/validate attempts consumed before a step settled",
				Buckets: []float64{1, 2, 3},
			},
			[]string{"service", "step"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_runs",
				Help: "Number of projects currently holding the orchestrator's busy lock",
			},
		),
		FanoutSubTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_fanout_subtasks_total",
				Help: "Total fanout sub-tasks processed, by step and outcome",
			},
			[]string{"service", "step", "outcome"}, // outcome: ok|degraded
		),

		CandidateCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_candidate_calls_total",
				Help: "Total Reliability Layer candidate calls, by provider/model/outcome",
			},
			[]string{"service", "provider", "model", "outcome"}, // outcome: ok|retryable|non_retryable|circuit_open
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_circuit_state",
				Help: "Circuit breaker state per provider/model (0=closed, 1=open, 2=half-open, matching resilience.State)",
			},
			[]string{"service", "provider", "model"},
		),
		CooldownsEntered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cooldowns_entered_total",
				Help: "Total times a project/step pair entered a failure cooldown",
			},
			[]string{"service", "step"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service build/environment information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.StepsTotal,
			m.StepDuration,
			m.StepAttempts,
			m.ActiveRuns,
			m.FanoutSubTasks,
			m.CandidateCallsTotal,
			m.CircuitState,
			m.CooldownsEntered,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordStep records one settled step execution (success, degraded, failed,
// or cancelled) with its duration and attempt count.
func (m *Metrics) RecordStep(service, step, outcome string, duration time.Duration, attempts int) {
	m.StepsTotal.WithLabelValues(service, step, outcome).Inc()
	m.StepDuration.WithLabelValues(service, step).Observe(duration.Seconds())
	if attempts > 0 {
		m.StepAttempts.WithLabelValues(service, step).Observe(float64(attempts))
	}
}

// RecordFanoutSubTask records one fanout sub-task's outcome.
func (m *Metrics) RecordFanoutSubTask(service, step, outcome string) {
	m.FanoutSubTasks.WithLabelValues(service, step, outcome).Inc()
}

// RecordCandidateCall records one Reliability Layer candidate attempt.
func (m *Metrics) RecordCandidateCall(service, provider, model, outcome string) {
	m.CandidateCallsTotal.WithLabelValues(service, provider, model, outcome).Inc()
}

// SetCircuitState publishes a breaker's current state (0/1/2, matching
// resilience.State's ordering) for a provider/model pair.
func (m *Metrics) SetCircuitState(service, provider, model string, state int) {
	m.CircuitState.WithLabelValues(service, provider, model).Set(float64(state))
}

// RecordCooldownEntered records a project/step pair entering cooldown.
func (m *Metrics) RecordCooldownEntered(service, step string) {
	m.CooldownsEntered.WithLabelValues(service, step).Inc()
}

// SetActiveRuns publishes the current count of in-flight runs.
func (m *Metrics) SetActiveRuns(n int) {
	m.ActiveRuns.Set(float64(n))
}

// UpdateUptime updates the service uptime gauge from a process start time.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
