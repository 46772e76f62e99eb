package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the monitor's collectors. A nil *Metrics records nothing.
type Metrics struct {
	cycles      prometheus.Counter
	triggered   *prometheus.CounterVec
	fetchErrors prometheus.Counter
	sendErrors  prometheus.Counter
	duration    prometheus.Histogram
	rules       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_monitor_cycles_total",
			Help: "Completed alert check cycles.",
		}),
		triggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepush_monitor_triggered_total",
			Help: "Alert rules that fired.",
		}, []string{"type"}),
		fetchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_monitor_fetch_errors_total",
			Help: "Market snapshot fetches that failed.",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_monitor_send_errors_total",
			Help: "Triggered alerts the dispatcher did not accept.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricepush_monitor_cycle_seconds",
			Help:    "Alert check cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		rules: f.NewGauge(prometheus.GaugeOpts{
			Name: "pricepush_monitor_active_rules",
			Help: "Active rules seen by the last cycle.",
		}),
	}
}

func (m *Metrics) observeCycle(r CycleReport) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.fetchErrors.Add(float64(r.FetchErrors))
	m.sendErrors.Add(float64(r.SendErrors))
	m.rules.Set(float64(r.Rules))
	m.duration.Observe(r.Duration.Seconds())
}

func (m *Metrics) incTriggered(t string) {
	if m == nil {
		return
	}
	m.triggered.WithLabelValues(t).Inc()
}

