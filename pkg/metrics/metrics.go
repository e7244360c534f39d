package metrics

import (
	"net/http"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for dvtoor. A disabled or nil
// Metrics turns every recording method into a no-op.
type Metrics struct {
	runsSubmitted  *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	records        *prometheus.CounterVec
	subscribers    prometheus.Gauge
	eventsSent     *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	exportFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the metrics collectors on a dedicated registry.
func New(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "runs_submitted_total",
				Help:      "Total number of accepted run submissions",
			},
			[]string{"category", "suite_type"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "runs_finished_total",
				Help:      "Total number of runs that reached a terminal status",
			},
			[]string{"category", "status", "error_kind"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "run_duration_seconds",
				Help:      "Wall clock duration of runs in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"category", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_runs",
				Help:      "Number of runs currently executing",
			},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "result_records_total",
				Help:      "Normalized result records produced by completed runs",
			},
			[]string{"category", "passed"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "subscribers",
				Help:      "Number of attached event subscribers",
			},
		),
		eventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "events_published_total",
				Help:      "Events published to the broadcast hub",
			},
			[]string{"type"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "subscriber_evictions_total",
				Help:      "Subscribers removed after a failed delivery",
			},
			[]string{"reason"},
		),
		exportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "export_failures_total",
				Help:      "Failed result exports by exporter",
			},
			[]string{"exporter"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsSubmitted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.records,
		m.subscribers,
		m.eventsSent,
		m.evictions,
		m.exportFailures,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RunSubmitted counts an accepted run.
func (m *Metrics) RunSubmitted(category, suiteType string) {
	if !m.enabled() {
		return
	}

	m.runsSubmitted.WithLabelValues(category, suiteType).Inc()
	m.activeRuns.Inc()
}

// RunFinished records a terminal transition.
func (m *Metrics) RunFinished(category, status, errorKind string, d time.Duration) {
	if !m.enabled() {
		return
	}

	m.runsFinished.WithLabelValues(category, status, errorKind).Inc()
	m.runDuration.WithLabelValues(category, status).Observe(d.Seconds())
	m.activeRuns.Dec()
}

// Records counts passed and failed result records of a completed run.
func (m *Metrics) Records(category string, passed, failed int) {
	if !m.enabled() {
		return
	}

	m.records.WithLabelValues(category, "true").Add(float64(passed))
	m.records.WithLabelValues(category, "false").Add(float64(failed))
}

// SetSubscribers sets the number of attached subscribers.
func (m *Metrics) SetSubscribers(n int) {
	if !m.enabled() {
		return
	}

	m.subscribers.Set(float64(n))
}

// EventPublished counts a published event.
func (m *Metrics) EventPublished(eventType string) {
	if !m.enabled() {
		return
	}

	m.eventsSent.WithLabelValues(eventType).Inc()
}

// SubscriberEvicted counts a subscriber dropped after failed delivery.
func (m *Metrics) SubscriberEvicted(reason string) {
	if !m.enabled() {
		return
	}

	m.evictions.WithLabelValues(reason).Inc()
}

// ExportFailed counts a failed export.
func (m *Metrics) ExportFailed(exporter string) {
	if !m.enabled() {
		return
	}

	m.exportFailures.WithLabelValues(exporter).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.enabled() {
		return nil
	}

	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
