// Package metrics holds the Prometheus collectors of the gate engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the gate engine.
type Metrics struct {
	TicksTotal          prometheus.Counter
	TickDuration        prometheus.Histogram
	EntityTickDuration  prometheus.Histogram
	DecisionsTotal      *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	EscalationsTotal    *prometheus.CounterVec
	PanicsTotal         prometheus.Counter
	InconsistencyTotal  prometheus.Counter
	SamplesTotal        *prometheus.CounterVec
	SamplesRejected     *prometheus.CounterVec
	RunningExecutions   prometheus.Gauge
	TrackedEntities     prometheus.Gauge
	CatalogReloadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics once per process.
// All metrics are prefixed with "phasegate_".
//
// Metrics:
//   - phasegate_ticks_total
//   - phasegate_tick_duration_seconds
//   - phasegate_entity_tick_duration_seconds
//   - phasegate_decisions_total{action}
//   - phasegate_execution_transitions_total{status}
//   - phasegate_escalations_total{kind}
//   - phasegate_pipeline_panics_total
//   - phasegate_trace_inconsistency_total
//   - phasegate_samples_total{confidence}
//   - phasegate_samples_rejected_total{reason}
//   - phasegate_running_executions
//   - phasegate_tracked_entities
//   - phasegate_catalog_reloads_total{result}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phasegate_ticks_total",
				Help: "Total number of engine ticks",
			}),
			TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phasegate_tick_duration_seconds",
				Help:    "Duration of a full engine tick across all entities",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			}),
			EntityTickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phasegate_entity_tick_duration_seconds",
				Help:    "Duration of one entity pipeline",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			}),
			DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_decisions_total",
				Help: "Gate decisions by effective action",
			}, []string{"action"}),
			TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_execution_transitions_total",
				Help: "PKG execution transitions by target status",
			}, []string{"status"}),
			EscalationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_escalations_total",
				Help: "Escalations raised by kind",
			}, []string{"kind"}),
			PanicsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phasegate_pipeline_panics_total",
				Help: "Entity pipelines that panicked and were recovered",
			}),
			InconsistencyTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phasegate_trace_inconsistency_total",
				Help: "Decisions whose reasoning trace failed verification",
			}),
			SamplesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_samples_total",
				Help: "Metric samples symbolized by confidence class",
			}, []string{"confidence"}), // "normal" or "low"
			SamplesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_samples_rejected_total",
				Help: "Metric samples refused at ingestion",
			}, []string{"reason"}),
			RunningExecutions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "phasegate_running_executions",
				Help: "PKG executions currently running across all entities",
			}),
			TrackedEntities: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "phasegate_tracked_entities",
				Help: "Entities known to the engine",
			}),
			CatalogReloadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phasegate_catalog_reloads_total",
				Help: "Catalog hot reloads by result",
			}, []string{"result"}), // "ok" or "error"
		}
	})

	return globalMetrics
}

// RecordTick records one full tick.
func (m *Metrics) RecordTick(durationSeconds float64, entities, running int) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(durationSeconds)
	m.TrackedEntities.Set(float64(entities))
	m.RunningExecutions.Set(float64(running))
}

// RecordEntityTick records one entity pipeline.
func (m *Metrics) RecordEntityTick(durationSeconds float64) {
	m.EntityTickDuration.Observe(durationSeconds)
}

// RecordDecision counts a decision by its effective action.
func (m *Metrics) RecordDecision(action string) {
	m.DecisionsTotal.WithLabelValues(action).Inc()
}

// RecordTransition counts an execution transition.
func (m *Metrics) RecordTransition(status string) {
	m.TransitionsTotal.WithLabelValues(status).Inc()
}

// RecordEscalation counts an escalation.
func (m *Metrics) RecordEscalation(kind string) {
	m.EscalationsTotal.WithLabelValues(kind).Inc()
}

// RecordPanic counts a recovered pipeline panic.
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordInconsistency counts a trace that failed verification.
func (m *Metrics) RecordInconsistency() {
	m.InconsistencyTotal.Inc()
}

// RecordSample counts a symbolized sample.
func (m *Metrics) RecordSample(lowConfidence bool) {
	class := "normal"
	if lowConfidence {
		class = "low"
	}
	m.SamplesTotal.WithLabelValues(class).Inc()
}

// RecordRejectedSample counts a sample refused at ingestion.
func (m *Metrics) RecordRejectedSample(reason string) {
	m.SamplesRejected.WithLabelValues(reason).Inc()
}

// RecordCatalogReload counts a catalog reload attempt.
func (m *Metrics) RecordCatalogReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CatalogReloadsTotal.WithLabelValues(result).Inc()
}
