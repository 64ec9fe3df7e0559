// Package metrics exposes Prometheus instrumentation for runs, tasks and agents.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

const namespace = "autodev"

// Metrics holds the collectors registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	cost            prometheus.Counter
	buildAttempts   *prometheus.CounterVec
	healingAttempts prometheus.Counter
	agentsRunning   prometheus.Gauge
	phaseDuration   *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// runsStarted counts runs entering decomposition or resumed
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_started_total",
			Help:      "Pipeline runs started or resumed",
		}),

		// runsFinished counts terminal and paused runs.
		// Labels: state (completed, failed, cancelled, paused)
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Pipeline runs that stopped, by final state",
		}, []string{"state"}),

		// Labels: outcome (completed, failed, skipped)
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tasks_total",
			Help:      "Decomposed tasks that reached a terminal status",
		}, []string{"outcome"}),

		// Labels: direction (input, output)
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tokens_total",
			Help:      "Tokens consumed by executor calls",
		}, []string{"direction"}),

		cost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "cost_usd_total",
			Help:      "Estimated executor cost in USD",
		}),

		// Labels: result (success, failure), healing (true, false)
		buildAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "attempts_total",
			Help:      "Build invocations",
		}, []string{"result", "healing"}),

		healingAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "healing_attempts_total",
			Help:      "Automatic repair attempts",
		}),

		agentsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "agents_running",
			Help:      "Sub-agents currently executing",
		}),

		// Labels: phase
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent per run phase",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"phase"}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records a run start or resume
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunFinished records a run leaving the active states
func (m *Metrics) RunFinished(state domain.RunState) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(state)).Inc()
}

// TaskFinished records a task outcome
func (m *Metrics) TaskFinished(status domain.TaskStatus) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(status)).Inc()
}

// Usage records executor token usage and cost
func (m *Metrics) Usage(u domain.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	if u.CostUSD > 0 {
		m.cost.Add(u.CostUSD)
	}
}

// BuildAttempt records a build invocation
func (m *Metrics) BuildAttempt(b domain.BuildAttempt) {
	if m == nil {
		return
	}
	result := "failure"
	if b.Success {
		result = "success"
	}
	healing := "false"
	if b.IsHealingAttempt {
		healing = "true"
	}
	m.buildAttempts.WithLabelValues(result, healing).Inc()
}

// HealingAttempt records one repair attempt
func (m *Metrics) HealingAttempt() {
	if m == nil {
		return
	}
	m.healingAttempts.Inc()
}

// AgentStarted increments the running-agents gauge
func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.agentsRunning.Inc()
}

// AgentStopped decrements the running-agents gauge
func (m *Metrics) AgentStopped() {
	if m == nil {
		return
	}
	m.agentsRunning.Dec()
}

// ObservePhase records time spent in a phase
func (m *Metrics) ObservePhase(phase domain.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
}
