// Package httpapi serves the read-mostly operator API: health, status,
// activity, message log, pending records and a manual trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/config"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/metrics"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

const (
	statusActivityLimit = 50
	defaultMessageLimit = 100
	maxMessageLimit     = 1000
	maxConfigBody       = 1 << 20
)

type Monitor interface {
	Status() monitor.Status
	Activity(limit int) []monitor.Activity
	RunCycle(ctx context.Context, trigger monitor.Trigger) (monitor.Report, error)
	TestConnection(ctx context.Context) error
}

type Ledger interface {
	Pending(ctx context.Context, detectedBefore time.Time) ([]ledger.Record, error)
	RecentMessages(ctx context.Context, limit int) ([]ledger.MessageEntry, error)
}

// ConfigStore is the running configuration.
type ConfigStore interface {
	Get() *config.Config
	UpdateMonitor(ctx context.Context, mc config.MonitorConfig) (*config.Config, error)
}

type Options struct {
	// RunContext bounds manually triggered cycles; a client disconnect does
	// not abort a cycle in progress.
	RunContext context.Context

	// PendingAfter is the age after which an unnotified record is listed by
	// /api/pending. Usually one schedule interval.
	PendingAfter func() time.Duration

	// GatewayReady reports whether the messaging gateway has credentials.
	GatewayReady func() bool

	Metrics *metrics.Metrics
	Now     func() time.Time

	// Config enables /api/config. Updates need AdminToken when one is set.
	Config     ConfigStore
	AdminToken string

	// Profiler mounts net/http/pprof under /debug, guarded by ProfilerToken
	// when one is set.
	Profiler      bool
	ProfilerToken string
}

type Server struct {
	mon  Monitor
	led  Ledger
	opts Options
	log  logx.Logger
}

func NewServer(mon Monitor, led Ledger, opts Options, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.RunContext == nil {
		opts.RunContext = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{mon: mon, led: led, opts: opts, log: log.With(logx.String("comp", "httpapi"))}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	r.With(s.instrument("health")).Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.With(s.instrument("status")).Get("/status", s.handleStatus)
		r.With(s.instrument("logs")).Get("/logs", s.handleLogs)
		r.With(s.instrument("messages")).Get("/messages", s.handleMessages)
		r.With(s.instrument("pending")).Get("/pending", s.handlePending)
		r.With(s.instrument("run_now")).Get("/run-now", s.handleRunNow)
		r.With(s.instrument("run_now")).Post("/run-now", s.handleRunNow)
		r.With(s.instrument("test_connections")).Get("/test-connections", s.handleTestConnections)
		if s.opts.Config != nil {
			r.With(s.instrument("config")).Get("/config", s.handleGetConfig)
			r.With(s.instrument("config"), requireToken(s.opts.AdminToken)).Post("/config", s.handlePostConfig)
		}
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Profiler {
		r.With(requireToken(s.opts.ProfilerToken)).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) instrument(name string) func(http.Handler) http.Handler {
	if s.opts.Metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.opts.Metrics.Instrument(name)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			s.log.Warn("http shutdown", logx.Err(err))
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": s.opts.Now()})
}

type statusResponse struct {
	LastRun    *time.Time         `json:"last_run"`
	LastStatus string             `json:"last_status"`
	Running    bool               `json:"is_running"`
	Step       string             `json:"current_step"`
	Stats      monitor.Stats      `json:"stats"`
	LastReport *monitor.Report    `json:"last_report,omitempty"`
	Logs       []monitor.Activity `json:"logs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.mon.Status()
	resp := statusResponse{
		LastStatus: st.Stats.LastStatus,
		Running:    st.Running,
		Step:       st.Step,
		Stats:      st.Stats,
		LastReport: st.LastReport,
		Logs:       s.mon.Activity(statusActivityLimit),
	}
	if !st.Stats.LastRunAt.IsZero() {
		t := st.Stats.LastRunAt
		resp.LastRun = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Activity(0))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)
	msgs, err := s.led.RecentMessages(r.Context(), limit)
	if err != nil {
		s.log.Error("message log read failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "message log unavailable"})
		return
	}
	if msgs == nil {
		msgs = []ledger.MessageEntry{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type pendingRecord struct {
	EntityID   string    `json:"entity_id"`
	StatusCode int       `json:"status_code"`
	StatusName string    `json:"status_name,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Age        string    `json:"age"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	after := 15 * time.Minute
	if s.opts.PendingAfter != nil {
		if d := s.opts.PendingAfter(); d > 0 {
			after = d
		}
	}
	now := s.opts.Now()
	recs, err := s.led.Pending(r.Context(), now.Add(-after))
	if err != nil {
		s.log.Error("pending query failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "ledger unavailable"})
		return
	}
	out := make([]pendingRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, pendingRecord{
			EntityID:   rec.Key.EntityID,
			StatusCode: rec.Key.StatusCode,
			StatusName: rec.StatusName,
			DetectedAt: rec.DetectedAt,
			Age:        now.Sub(rec.DetectedAt).Truncate(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cutoff": now.Add(-after), "records": out})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	rep, err := s.mon.RunCycle(s.opts.RunContext, monitor.TriggerHTTP)
	switch {
	case errors.Is(err, monitor.ErrCycleRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "running", "message": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "message": rep.Summary, "report": rep})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "message": rep.Summary, "report": rep})
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Config.Get()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": "config not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

// handlePostConfig replaces the monitor section (statuses, templates,
// schedule, lookback, timezone).
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var mc config.MonitorConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid body: " + err.Error()})
		return
	}
	cfg, err := s.opts.Config.UpdateMonitor(r.Context(), mc)
	if err != nil {
		s.log.Warn("config update rejected", logx.Err(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cfg.Redacted()})
}

type connectionResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleTestConnections(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res := map[string]connectionResult{}
	if err := s.mon.TestConnection(ctx); err != nil {
		res["hinova"] = connectionResult{Status: "error", Message: err.Error()}
	} else {
		res["hinova"] = connectionResult{Status: "success", Message: "authenticated"}
	}
	switch {
	case s.opts.GatewayReady == nil:
		res["uppchannel"] = connectionResult{Status: "info", Message: "not checked"}
	case s.opts.GatewayReady():
		res["uppchannel"] = connectionResult{Status: "success", Message: "api key configured"}
	default:
		res["uppchannel"] = connectionResult{Status: "error", Message: "api key not configured"}
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
