package metrics

import (
	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pqcsim"

// Metrics exports run progress to Prometheus. It is a stats.Listener.
type Metrics struct {
	attempts    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	runs        *prometheus.CounterVec
	active      prometheus.Gauge
	successRate *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Simulated connection attempts by mode and result.",
		}, []string{"mode", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes of successful connections; kind is credited (flow size) or payload (sent on the wire).",
		}, []string{"mode", "kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed scheduler runs.",
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Scheduler runs currently in progress.",
		}),
		successRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success_ratio",
			Help:      "Success ratio (0..1) of the most recent run.",
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of scheduler runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"mode"}),
	}
	reg.MustRegister(m.attempts, m.bytes, m.runs, m.active, m.successRate, m.duration)
	return m
}

func (m *Metrics) RunStarted(stats.RunStatistics) {
	m.active.Inc()
}

func (m *Metrics) Progress(s stats.RunStatistics, d stats.Tally) {
	m.attempts.WithLabelValues(s.Mode, "success").Add(float64(d.Successes))
	m.attempts.WithLabelValues(s.Mode, "failure").Add(float64(d.Failures))
	m.bytes.WithLabelValues(s.Mode, "credited").Add(float64(d.Bytes))
	m.bytes.WithLabelValues(s.Mode, "payload").Add(float64(d.PayloadBytes))
}

func (m *Metrics) RunFinished(s stats.RunStatistics) {
	m.active.Dec()
	m.runs.WithLabelValues(s.Mode).Inc()
	m.successRate.WithLabelValues(s.Mode).Set(s.SuccessRate() / 100)
	m.duration.WithLabelValues(s.Mode).Observe(s.Duration().Seconds())
}
