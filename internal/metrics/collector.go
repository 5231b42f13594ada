// Package metrics provides Prometheus instrumentation for the engine and
// the journey state machine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns all engine metric vectors. Registration happens against an
// explicit registry so tests can create isolated collectors.
type Collector struct {
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetriesTotal *prometheus.CounterVec

	transitionsTotal *prometheus.CounterVec

	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge
}

// NewCollector creates and registers all metric vectors.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total workflow runs by terminal status",
			},
			[]string{"definition_id", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"definition_id"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total step executions by node type and terminal status",
			},
			[]string{"type_key", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type_key"},
		),
		stepRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total step retry attempts",
			},
			[]string{"type_key"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journey_transitions_total",
				Help:      "Total journey stage transitions by outcome",
			},
			[]string{"template_id", "outcome"},
		),
		dbConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Open database connections",
		}),
		dbConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Idle database connections",
		}),
	}

	reg.MustRegister(
		c.runsTotal, c.runDuration,
		c.stepsTotal, c.stepDuration, c.stepRetriesTotal,
		c.transitionsTotal,
		c.dbConnectionsOpen, c.dbConnectionsIdle,
	)
	return c
}

// ObserveRun records a completed run.
func (c *Collector) ObserveRun(definitionID, status string, d time.Duration) {
	c.runsTotal.WithLabelValues(definitionID, status).Inc()
	c.runDuration.WithLabelValues(definitionID).Observe(d.Seconds())
}

// ObserveStep records a completed step execution.
func (c *Collector) ObserveStep(typeKey, status string, d time.Duration) {
	c.stepsTotal.WithLabelValues(typeKey, status).Inc()
	c.stepDuration.WithLabelValues(typeKey).Observe(d.Seconds())
}

// ObserveRetry records one retry attempt.
func (c *Collector) ObserveRetry(typeKey string) {
	c.stepRetriesTotal.WithLabelValues(typeKey).Inc()
}

// ObserveTransition records a journey transition outcome
// (applied, rejected, conflict).
func (c *Collector) ObserveTransition(templateID, outcome string) {
	c.transitionsTotal.WithLabelValues(templateID, outcome).Inc()
}

// SetDBStats updates database pool gauges.
func (c *Collector) SetDBStats(open, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}
