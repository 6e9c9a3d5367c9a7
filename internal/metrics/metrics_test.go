package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telecrm/internal/calls"
	"telecrm/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
)

type fixedSessions int

func (f fixedSessions) Len(context.Context) (int, error) { return int(f), nil }

type fixedPending int

func (f fixedPending) Pending() int { return int(f) }

func value(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestObserverCountsTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	ctx := context.Background()

	m.CallChanged(ctx, calls.Change{To: calls.StatusInitiated, Source: "api"})
	m.CallChanged(ctx, calls.Change{From: calls.StatusAnswered, To: calls.StatusCompleted, Source: "webhook",
		Record: calls.CallRecord{DurationSeconds: 63}})
	m.RelayDropped("buffer_full")
	m.RelayDropped("buffer_full")
	m.WebhookOutcome(webhook.OutcomeBuffered)

	if v := value(t, reg, "telecrm_call_transitions_total", map[string]string{"from": "none", "to": "initiated"}); v != 1 {
		t.Fatalf("expected 1 creation, got %v", v)
	}
	if v := value(t, reg, "telecrm_call_duration_seconds", map[string]string{"status": "completed"}); v != 1 {
		t.Fatalf("expected 1 duration sample, got %v", v)
	}
	if v := value(t, reg, "telecrm_signaling_dropped_total", map[string]string{"reason": "buffer_full"}); v != 2 {
		t.Fatalf("expected 2 drops, got %v", v)
	}
	if v := value(t, reg, "telecrm_webhook_events_total", map[string]string{"outcome": "buffered"}); v != 1 {
		t.Fatalf("expected 1 buffered, got %v", v)
	}
}

func TestCollectorAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(fixedSessions(3), fixedPending(2), time.Now().Add(-time.Minute)))

	if v := value(t, reg, "telecrm_live_sessions", nil); v != 3 {
		t.Fatalf("expected 3 sessions, got %v", v)
	}
	if v := value(t, reg, "telecrm_webhook_pending_events", nil); v != 2 {
		t.Fatalf("expected 2 pending, got %v", v)
	}

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "telecrm_uptime_seconds") {
		t.Fatalf("unexpected /metrics response %d: %s", w.Code, w.Body.String())
	}
}
