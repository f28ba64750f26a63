package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the launcher's prometheus collectors on a private registry.
type Metrics struct {
	commands       *prometheus.CounterVec
	commandErrors  *prometheus.CounterVec
	starts         *prometheus.CounterVec
	exits          *prometheus.CounterVec
	frames         *prometheus.CounterVec
	diffDuration   prometheus.Histogram
	activeSessions prometheus.Gauge
	subscribed     prometheus.Gauge

	registry *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mklauncher"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Total number of command requests by message type",
	}, []string{"type"})
	m.commandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_errors_total",
		Help:      "Total number of error replies by note",
	}, []string{"note"})
	m.starts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_starts_total",
		Help:      "Total number of started processes",
	}, []string{"launcher"})
	m.exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_exits_total",
		Help:      "Total number of reaped processes",
	}, []string{"launcher"})
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_frames_total",
		Help:      "Total number of published state messages by message type",
	}, []string{"type"})
	m.diffDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "diff_duration_seconds",
		Help:      "Duration of state diff ticks",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of supervised processes",
	})
	m.subscribed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribed",
		Help:      "1 while the launcher topic has at least one subscriber",
	})

	m.registry.MustRegister(
		m.commands,
		m.commandErrors,
		m.starts,
		m.exits,
		m.frames,
		m.diffDuration,
		m.activeSessions,
		m.subscribed,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) setSubscribed(b bool) {
	if b {
		m.subscribed.Set(1)
	} else {
		m.subscribed.Set(0)
	}
}
