package buildtask

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports scheduler counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	builds      *prometheus.CounterVec
	infraErrors prometheus.Counter
	active      prometheus.Gauge
	duration    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backslash",
			Name:      "builds_finished_total",
			Help:      "Number of builds that reached a terminal status.",
		}, []string{"status"}),
		infraErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backslash",
			Name:      "build_infrastructure_errors_total",
			Help:      "Number of builds that failed for reasons unrelated to their sources.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backslash",
			Name:      "builds_active",
			Help:      "Number of builds being processed.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backslash",
			Name:      "build_duration_seconds",
			Help:      "Build processing duration.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"status"}),
	}
	reg.MustRegister(m.builds, m.infraErrors, m.active, m.duration)
	return m
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) observe(status Status, durationMs int64) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(string(status)).Inc()
	m.duration.WithLabelValues(string(status)).Observe(float64(durationMs) / 1000)
}

func (m *Metrics) observeFailure(durationMs int64) {
	if m == nil {
		return
	}
	m.infraErrors.Inc()
	m.observe(StatusError, durationMs)
}
