// Package metrics exposes dispatch outcomes as prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrej220/netmonkey/pkg/result"
)

const Namespace = "netmonkey"

type Metrics struct {
	registry *prometheus.Registry

	Outcomes     *prometheus.CounterVec
	OpenSessions prometheus.Gauge
	Duration     *prometheus.HistogramVec
	Batches      prometheus.Counter
}

func New(version string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Device results by outcome.",
		}, []string{"status"}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "open_sessions",
			Help:      "Device sessions currently open.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Time spent per device.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "batches_total",
			Help:      "Batches run.",
		}),
	}
	registry.MustRegister(m.Outcomes, m.OpenSessions, m.Duration, m.Batches)
	newExporterMetric(registry, version)
	return m
}

// newExporterMetric registers a constant gauge carrying build info.
func newExporterMetric(registry *prometheus.Registry, version string) {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Subsystem:   "exporter",
		Name:        "info",
		Help:        "Metadata about the exporter.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	registry.MustRegister(info)
	info.Set(1)
}

func (m *Metrics) BatchStarted()  { m.Batches.Inc() }
func (m *Metrics) SessionOpened() { m.OpenSessions.Inc() }
func (m *Metrics) SessionClosed() { m.OpenSessions.Dec() }

func (m *Metrics) Observe(rec result.Record) {
	status := rec.Status.String()
	m.Outcomes.WithLabelValues(status).Inc()
	m.Duration.WithLabelValues(status).Observe(rec.Duration.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
