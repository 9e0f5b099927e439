package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerHTTP     Trigger = "http"
	TriggerTelegram Trigger = "telegram"
)

// Settings are read once at the start of a cycle and stay fixed until it ends.
type Settings struct {
	ActiveStatuses event.StatusSet
	Templates      map[string]string
	LookbackDays   int
	Location       *time.Location
}

func (s Settings) clone() Settings {
	cp := s
	cp.ActiveStatuses = event.NewStatusSet(s.ActiveStatuses.Codes()...)
	cp.Templates = make(map[string]string, len(s.Templates))
	for k, v := range s.Templates {
		cp.Templates[k] = v
	}
	if cp.Location == nil {
		cp.Location = time.Local
	}
	if cp.LookbackDays < 0 {
		cp.LookbackDays = 0
	}
	return cp
}

// Counts are the per-cycle tallies.
type Counts struct {
	Events          int `json:"events"`
	Invalid         int `json:"invalid"`
	Ignored         int `json:"ignored"`
	AlreadyNotified int `json:"already_notified"`
	New             int `json:"new"`
	StatusChanged   int `json:"status_changed"`
	LedgerErrors    int `json:"ledger_errors"`

	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	NoPhone      int `json:"no_phone"`
	FormatErrors int `json:"format_errors"`
	NoVehicle    int `json:"no_vehicle"`
	Aborted      int `json:"aborted"`
}

// Report describes one finished cycle.
type Report struct {
	ID         string        `json:"id"`
	Trigger    Trigger       `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Counts     Counts        `json:"counts"`
	Summary    string        `json:"summary"`
	Error      string        `json:"error,omitempty"`

	Err error `json:"-"`
}

func (r Report) OK() bool { return r.Err == nil }

func (r Report) summarize() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	c := r.Counts
	return fmt.Sprintf("%d sent, %d failed of %d events (%d new, %d changed, %d already notified, %d ignored)",
		c.Sent, c.Failed, c.Events, c.New, c.StatusChanged, c.AlreadyNotified, c.Ignored)
}

// Stats are the process-lifetime statistics plus the last cycle's counts.
type Stats struct {
	TotalRuns      int64     `json:"total_runs"`
	FailedRuns     int64     `json:"failed_runs"`
	MessagesSent   int64     `json:"successful_messages"`
	MessagesFailed int64     `json:"failed_messages"`
	LastError      string    `json:"last_error,omitempty"`
	LastRunAt      time.Time `json:"last_run_at"`
	LastStatus     string    `json:"last_status"`
	LastCycle      Counts    `json:"last_cycle"`
}

// Status is a point-in-time view for operators.
type Status struct {
	Running    bool    `json:"running"`
	Step       string  `json:"current_step,omitempty"`
	Stats      Stats   `json:"stats"`
	LastReport *Report `json:"last_report,omitempty"`
}

// Activity is one human-readable line of the activity log.
type Activity struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

const activityCapacity = 200

// activityRing keeps the newest entries.
type activityRing struct {
	mu   sync.Mutex
	buf  []Activity
	next int
	full bool
}

func newActivityRing(n int) *activityRing {
	if n <= 0 {
		n = activityCapacity
	}
	return &activityRing{buf: make([]Activity, n)}
}

func (r *activityRing) add(a Activity) {
	r.mu.Lock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// newest returns up to limit entries, newest first; limit <= 0 returns all.
func (r *activityRing) newest(limit int) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Activity, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
