// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the engine's Prometheus metrics. A nil *Collector
// is valid and turns every method into a no-op, so components can take
// one without caring whether metrics are enabled.
type Collector struct {
	stepExecutionsTotal   *prometheus.CounterVec
	stepExecutionDuration *prometheus.HistogramVec
	stepRetriesTotal      *prometheus.CounterVec

	gateEvaluationsTotal *prometheus.CounterVec

	runsActive    prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	eventsTotal   *prometheus.CounterVec
	checkpointAge prometheus.Gauge

	breakerTransitionsTotal *prometheus.CounterVec

	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	cacheEvictionsTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered on reg. A nil reg
// falls back to the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions by terminal status",
		},
		[]string{"agent", "status"},
	)

	c.stepExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_execution_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"agent"},
	)

	c.stepRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of gate-driven step re-executions",
		},
		[]string{"step"},
	)

	c.gateEvaluationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of quality gate evaluations by outcome",
		},
		[]string{"step", "outcome"},
	)

	c.runsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of workflow runs currently executing",
		},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"definition"},
	)

	c.eventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to the durable log",
		},
		[]string{"type"},
	)

	c.checkpointAge = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_age_events",
			Help:      "Events appended since the last checkpoint",
		},
	)

	c.breakerTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	c.cacheHitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of lookup cache hits",
		},
	)

	c.cacheMissesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of lookup cache misses",
		},
	)

	c.cacheEvictionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of lookup cache evictions",
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordStepExecution records one finished step execution.
func (c *Collector) RecordStepExecution(agent, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepExecutionsTotal.WithLabelValues(agent, status).Inc()
	c.stepExecutionDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordStepRetry records a gate-driven re-execution of a step.
func (c *Collector) RecordStepRetry(step string) {
	if c == nil {
		return
	}
	c.stepRetriesTotal.WithLabelValues(step).Inc()
}

// RecordGateEvaluation records a quality gate decision.
func (c *Collector) RecordGateEvaluation(step string, pass bool) {
	if c == nil {
		return
	}
	outcome := "fail"
	if pass {
		outcome = "pass"
	}
	c.gateEvaluationsTotal.WithLabelValues(step, outcome).Inc()
}

// RunStarted marks a run as active.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunFinished records a run reaching a terminal status.
func (c *Collector) RunFinished(definition, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordEventAppend records one event durably appended.
func (c *Collector) RecordEventAppend(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(eventType).Inc()
}

// SetCheckpointAge sets the number of events appended since the last
// checkpoint.
func (c *Collector) SetCheckpointAge(events int) {
	if c == nil {
		return
	}
	c.checkpointAge.Set(float64(events))
}

// RecordBreakerTransition records a circuit breaker state change.
func (c *Collector) RecordBreakerTransition(name, from, to string) {
	if c == nil {
		return
	}
	c.breakerTransitionsTotal.WithLabelValues(name, from, to).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMissesTotal.Inc()
}

// RecordCacheEviction increments the cache eviction counter.
func (c *Collector) RecordCacheEviction() {
	if c == nil {
		return
	}
	c.cacheEvictionsTotal.Inc()
}
