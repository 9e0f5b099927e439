// Package metrics exposes Prometheus collectors for poll cycles and the
// status API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/eventbus"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
)

const namespace = "hinova_monitor"

type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	events        *prometheus.CounterVec
	messages      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	running       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Polled events by classification.",
		}, []string{"class"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Notification attempts by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_running",
			Help:      "1 while a poll cycle is running.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status API requests.",
		}, []string{"handler", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
	m.reg.MustRegister(
		m.cycles, m.events, m.messages, m.cycleDuration, m.running,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates collectors from one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CycleStarted:
		m.running.Set(1)
	case eventbus.CycleSkipped:
		m.cycles.WithLabelValues("skipped").Inc()
	case eventbus.CycleFinished:
		m.running.Set(0)
		rep, ok := e.Data.(monitor.Report)
		if !ok {
			return
		}
		m.observeReport(rep)
	}
}

func (m *Metrics) observeReport(rep monitor.Report) {
	result := "ok"
	if rep.Err != nil {
		result = "failed"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(rep.Duration.Seconds())

	c := rep.Counts
	for class, n := range map[string]int{
		"ignored":          c.Ignored,
		"already_notified": c.AlreadyNotified,
		"new":              c.New,
		"status_changed":   c.StatusChanged,
		"invalid":          c.Invalid,
	} {
		if n > 0 {
			m.events.WithLabelValues(class).Add(float64(n))
		}
	}
	for outcome, n := range map[string]int{
		"sent":         c.Sent,
		"failed":       c.Failed,
		"no_phone":     c.NoPhone,
		"format_error": c.FormatErrors,
		"no_vehicle":   c.NoVehicle,
		"aborted":      c.Aborted,
	} {
		if n > 0 {
			m.messages.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// Consume feeds bus events into the collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Instrument records request count and latency for a named handler.
func (m *Metrics) Instrument(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.httpDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(name, r.Method, strconv.Itoa(sw.status)).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
