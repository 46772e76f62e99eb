package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sent         *prometheus.CounterVec
	errors       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	terminal     *prometheus.CounterVec
	duplicates   prometheus.Counter
	fallbacks    prometheus.Counter
	backpressure prometheus.Counter
	queueDepth   *prometheus.GaugeVec
	latency      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepush_dispatch_sent_total",
			Help: "Recipients accepted by the gateway.",
		}, []string{"priority"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepush_dispatch_errors_total",
			Help: "Recipients whose delivery attempt failed.",
		}, []string{"priority"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepush_dispatch_retries_total",
			Help: "Retry tasks scheduled.",
		}, []string{"priority"}),
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepush_dispatch_terminal_failures_total",
			Help: "Tasks dropped after exhausting retries or on permanent errors.",
		}, []string{"priority"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_dispatch_duplicates_total",
			Help: "Submissions rejected by the dedup cache.",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_dispatch_fallback_total",
			Help: "Notifications sent directly because the queue rejected them.",
		}),
		backpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "pricepush_dispatch_backpressure_total",
			Help: "Ticks or chunks deferred because the per-minute budget was spent.",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricepush_dispatch_queue_depth",
			Help: "Queued tasks per priority.",
		}, []string{"priority"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricepush_dispatch_gateway_latency_seconds",
			Help:    "Gateway batch call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) addSent(p Priority, n int) {
	if m != nil && n > 0 {
		m.sent.WithLabelValues(string(p)).Add(float64(n))
	}
}

func (m *Metrics) addErrors(p Priority, n int) {
	if m != nil && n > 0 {
		m.errors.WithLabelValues(string(p)).Add(float64(n))
	}
}

func (m *Metrics) incRetry(p Priority) {
	if m != nil {
		m.retries.WithLabelValues(string(p)).Inc()
	}
}

func (m *Metrics) incTerminal(p Priority) {
	if m != nil {
		m.terminal.WithLabelValues(string(p)).Inc()
	}
}

func (m *Metrics) incDuplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) incBackpressure() {
	if m != nil {
		m.backpressure.Inc()
	}
}

func (m *Metrics) observeLatency(d time.Duration) {
	if m != nil {
		m.latency.Observe(d.Seconds())
	}
}

func (m *Metrics) setDepth(qs *queueSet) {
	if m == nil {
		return
	}
	for _, p := range Priorities {
		m.queueDepth.WithLabelValues(string(p)).Set(float64(qs.lenOf(p)))
	}
}

// Stats is the process-lifetime counter snapshot.
type Stats struct {
	Sent                uint64        `json:"sent"`
	Errors              uint64        `json:"errors"`
	RetriesScheduled    uint64        `json:"retries_scheduled"`
	TerminalFailures    uint64        `json:"terminal_failures"`
	Duplicates          uint64        `json:"duplicates"`
	Fallbacks           uint64        `json:"fallbacks"`
	Backpressure        uint64        `json:"backpressure"`
	ThroughputPerMinute int           `json:"throughput_per_minute"`
	AvgLatency          time.Duration `json:"avg_latency"`
}

type counters struct {
	sent, errors, retries, terminal atomic.Uint64
	duplicates, fallbacks           atomic.Uint64
	backpressure                    atomic.Uint64
	latencyNanos, latencyCount      atomic.Uint64
}

func (c *counters) observe(d time.Duration) {
	c.latencyNanos.Add(uint64(max(d, 0)))
	c.latencyCount.Add(1)
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Sent:             c.sent.Load(),
		Errors:           c.errors.Load(),
		RetriesScheduled: c.retries.Load(),
		TerminalFailures: c.terminal.Load(),
		Duplicates:       c.duplicates.Load(),
		Fallbacks:        c.fallbacks.Load(),
		Backpressure:     c.backpressure.Load(),
	}
	if n := c.latencyCount.Load(); n > 0 {
		s.AvgLatency = time.Duration(c.latencyNanos.Load() / n)
	}
	return s
}
