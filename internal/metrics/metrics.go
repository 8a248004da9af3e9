// Package metrics 暴露编排器的 Prometheus 指标。所有方法对 nil 接收者安全，组件可在未注入时直接调用。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quantforge"

type Metrics struct {
	registry *prometheus.Registry

	JobRuns             *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	JobSkipped          *prometheus.CounterVec
	EvaluationOutcomes  *prometheus.CounterVec
	ActiveSimulations   prometheus.Gauge
	SimulationStops     *prometheus.CounterVec
	Promotions          prometheus.Counter
	RetentionActions    *prometheus.CounterVec
	Entities            *prometheus.GaugeVec
	PersistenceFailures *prometheus.CounterVec
	CandidatesCreated   *prometheus.CounterVec
}

// New 在独立的 registry 上注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by job type and result",
		}, []string{"job", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"job"}),
		JobSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_skipped_total",
			Help:      "Ticks skipped because the previous run was still in progress",
		}, []string{"job"}),
		EvaluationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "outcomes_total",
			Help:      "Evaluation outcomes by kind",
		}, []string{"outcome"}),
		ActiveSimulations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "active",
			Help:      "Simulation runs currently holding a slot",
		}),
		SimulationStops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "stops_total",
			Help:      "Simulation runs stopped by final status and breached threshold",
		}, []string{"status", "breach"}),
		Promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "promotion",
			Name:      "promotions_total",
			Help:      "Strategies promoted",
		}),
		RetentionActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "actions_total",
			Help:      "Retention sweep actions",
		}, []string{"action"}),
		Entities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "entities",
			Help:      "Registered strategies per lifecycle state",
		}, []string{"state"}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "persistence_failures_total",
			Help:      "Failed durable writes by component",
		}, []string{"component"}),
		CandidatesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candidate",
			Name:      "created_total",
			Help:      "Candidate artifacts by category and result",
		}, []string{"category", "result"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 暴露底层 registry，测试中用于断言。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordJob(job, result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(dur.Seconds())
}

func (m *Metrics) RecordJobSkipped(job string) {
	if m == nil {
		return
	}
	m.JobSkipped.WithLabelValues(job).Inc()
}

func (m *Metrics) RecordEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveSimulations(n int) {
	if m == nil {
		return
	}
	m.ActiveSimulations.Set(float64(n))
}

func (m *Metrics) RecordSimulationStop(status, breach string) {
	if m == nil {
		return
	}
	if breach == "" {
		breach = "none"
	}
	m.SimulationStops.WithLabelValues(status, breach).Inc()
}

func (m *Metrics) RecordPromotion() {
	if m == nil {
		return
	}
	m.Promotions.Inc()
}

func (m *Metrics) RecordRetention(action string) {
	if m == nil {
		return
	}
	m.RetentionActions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetEntityCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.Entities.Reset()
	for state, n := range counts {
		m.Entities.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordPersistenceFailure(component string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) RecordCandidate(category, result string) {
	if m == nil {
		return
	}
	m.CandidatesCreated.WithLabelValues(category, result).Inc()
}
