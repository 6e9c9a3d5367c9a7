package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"telecrm/internal/calls"
	"telecrm/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionCounter returns the number of live session entries.
type SessionCounter interface {
	Len(ctx context.Context) (int, error)
}

// PendingCounter returns the number of buffered webhook events.
type PendingCounter interface {
	Pending() int
}

// Metrics holds the event-driven call lifecycle series. It is a
// calls.Observer; relay drops and webhook outcomes are fed through the
// hook methods.
type Metrics struct {
	transitions  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	relayDrops   *prometheus.CounterVec
	webhookTotal *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telecrm_call_transitions_total",
			Help: "Committed call state transitions.",
		}, []string{"from", "to", "source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telecrm_call_duration_seconds",
			Help:    "Duration of ended calls, by final status.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		relayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telecrm_signaling_dropped_total",
			Help: "Signaling messages dropped by the relay.",
		}, []string{"reason"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telecrm_webhook_events_total",
			Help: "Provider status events, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.transitions, m.duration, m.relayDrops, m.webhookTotal)
	return m
}

// CallChanged implements calls.Observer.
func (m *Metrics) CallChanged(_ context.Context, c calls.Change) {
	from := string(c.From)
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, string(c.To), c.Source).Inc()
	if c.To.IsTerminal() {
		m.duration.WithLabelValues(string(c.To)).Observe(float64(c.Record.DurationSeconds))
	}
}

// RelayDropped matches signaling.Relay.OnDrop.
func (m *Metrics) RelayDropped(reason string) {
	m.relayDrops.WithLabelValues(reason).Inc()
}

// WebhookOutcome matches webhook.Reconciler.OnOutcome.
func (m *Metrics) WebhookOutcome(o webhook.Outcome) {
	m.webhookTotal.WithLabelValues(string(o)).Inc()
}

// Collector gathers point-in-time gauges at scrape time. Either source may be nil.
type Collector struct {
	sessions  SessionCounter
	pending   PendingCounter
	startTime time.Time

	liveSessionsDesc *prometheus.Desc
	pendingDesc      *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

func NewCollector(sessions SessionCounter, pending PendingCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		pending:   pending,
		startTime: startTime,

		liveSessionsDesc: prometheus.NewDesc(
			"telecrm_live_sessions",
			"Number of entries in the session registry",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"telecrm_webhook_pending_events",
			"Provider status events waiting for their call record",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"telecrm_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveSessionsDesc
	ch <- c.pendingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		n, err := c.sessions.Len(ctx)
		if err != nil {
			slog.Error("metrics: failed to count sessions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.liveSessionsDesc, prometheus.GaugeValue, float64(n))
		}
	}
	if c.pending != nil {
		ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(c.pending.Pending()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
