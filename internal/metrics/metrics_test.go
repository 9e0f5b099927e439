package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/eventbus"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
)

func counterValue(t *testing.T, m *Metrics, name, label, value string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					if c := metric.GetCounter(); c != nil {
						return c.GetValue()
					}
				}
			}
		}
	}
	return 0
}

func TestObserve_CycleLifecycle(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.CycleStarted})
	m.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: monitor.Report{
		Duration: 2 * time.Second,
		Counts:   monitor.Counts{New: 2, StatusChanged: 1, Ignored: 4, Sent: 2, NoPhone: 1},
	}})
	m.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: monitor.Report{Err: errors.New("auth")}})
	m.Observe(eventbus.Event{Type: eventbus.CycleSkipped})

	checks := []struct {
		name, label, value string
		want               float64
	}{
		{"hinova_monitor_cycles_total", "result", "ok", 1},
		{"hinova_monitor_cycles_total", "result", "failed", 1},
		{"hinova_monitor_cycles_total", "result", "skipped", 1},
		{"hinova_monitor_events_total", "class", "new", 2},
		{"hinova_monitor_events_total", "class", "ignored", 4},
		{"hinova_monitor_messages_total", "outcome", "sent", 2},
		{"hinova_monitor_messages_total", "outcome", "no_phone", 1},
	}
	for _, c := range checks {
		if got := counterValue(t, m, c.name, c.label, c.value); got != c.want {
			t.Fatalf("%s{%s=%q} = %v, want %v", c.name, c.label, c.value, got, c.want)
		}
	}
}

func TestHandlerAndInstrument(t *testing.T) {
	m := New()
	h := m.Instrument("teapot")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if got := counterValue(t, m, "hinova_monitor_http_requests_total", "status", "418"); got != 1 {
		t.Fatalf("http requests = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hinova_monitor_cycle_running") {
		t.Fatalf("metrics handler code=%d", rec.Code)
	}
}
