// Package monitor runs poll cycles: fetch events, classify them against the
// ledger, and dispatch notifications for the actionable ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/detect"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/dispatch"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/eventbus"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

// ErrCycleRunning is returned when a trigger arrives while a cycle is running.
var ErrCycleRunning = errors.New("cycle already running")

// Source is the event source collaborator.
type Source interface {
	Authenticate(ctx context.Context, force bool) error
	ListEvents(ctx context.Context, from, to time.Time) (event.Batch, error)
	FetchVehicle(ctx context.Context, ref string) (*event.Vehicle, error)
}

type Classifier interface {
	Classify(ctx context.Context, ev event.Event, active event.StatusSet) (detect.Decision, error)
}

type Notifier interface {
	// Ready fails when no message could be delivered this cycle.
	Ready() error
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

type Deps struct {
	Source     Source
	Detector   Classifier
	Dispatcher Notifier
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// Monitor drives cycles. At most one cycle runs at a time; concurrent
// triggers are rejected, not queued.
type Monitor struct {
	src        Source
	detector   Classifier
	dispatcher Notifier
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	settings Settings
	stats    Stats
	step     string
	last     *Report

	activity *activityRing
}

func New(deps Deps, settings Settings) *Monitor {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		src:        deps.Source,
		detector:   deps.Detector,
		dispatcher: deps.Dispatcher,
		bus:        bus,
		log:        log.With(logx.String("comp", "monitor")),
		now:        now,
		settings:   settings.clone(),
		activity:   newActivityRing(activityCapacity),
	}
}

// Apply replaces the settings used by the next cycle. A running cycle keeps
// its snapshot.
func (m *Monitor) Apply(s Settings) {
	m.mu.Lock()
	m.settings = s.clone()
	m.mu.Unlock()
}

func (m *Monitor) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.clone()
}

func (m *Monitor) Running() bool { return m.running.Load() }

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Running: m.running.Load(), Step: m.step, Stats: m.stats}
	if m.last != nil {
		cp := *m.last
		st.LastReport = &cp
	}
	return st
}

// Activity returns up to limit activity lines, newest first.
func (m *Monitor) Activity(limit int) []Activity { return m.activity.newest(limit) }

// TestConnection forces a fresh authentication against the event source.
func (m *Monitor) TestConnection(ctx context.Context) error {
	return m.src.Authenticate(ctx, true)
}

// RunCycle runs one cycle to completion. It returns ErrCycleRunning without
// side effects beyond a log line when another cycle holds the slot.
//
// The returned error is the cycle-fatal error, if any; per-event failures
// are only counted in the report.
func (m *Monitor) RunCycle(ctx context.Context, trigger Trigger) (rep Report, err error) {
	if !m.running.CompareAndSwap(false, true) {
		m.note(logx.LevelWarn, "cycle already running; trigger skipped", logx.String("trigger", string(trigger)))
		m.bus.Publish(eventbus.Event{Type: eventbus.CycleSkipped, Data: trigger})
		return Report{}, ErrCycleRunning
	}

	settings := m.Settings()
	rep = Report{ID: uuid.NewString(), Trigger: trigger, StartedAt: m.now()}
	log := m.log.With(logx.String("cycle_id", rep.ID))

	m.mu.Lock()
	m.stats.TotalRuns++
	m.stats.LastRunAt = rep.StartedAt
	m.mu.Unlock()
	m.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Time: rep.StartedAt, Data: rep})
	m.note(logx.LevelInfo, "cycle started", logx.String("cycle_id", rep.ID), logx.String("trigger", string(trigger)))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		rep.Err = err
		m.finish(&rep)
		m.running.Store(false)
	}()

	err = m.run(ctx, settings, &rep, log)
	return rep, err
}

func (m *Monitor) run(ctx context.Context, s Settings, rep *Report, log logx.Logger) error {
	// Nothing is recorded while the gateway cannot send.
	if err := m.dispatcher.Ready(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	m.setStep("authenticating")
	if err := m.src.Authenticate(ctx, false); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	to := m.now().In(s.Location)
	from := to.AddDate(0, 0, -s.LookbackDays)
	rep.From, rep.To = from, to

	m.setStep("fetching events")
	batch, err := m.src.ListEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	c := &rep.Counts
	c.Events = len(batch.Events)
	c.Invalid = len(batch.Rejected)
	for _, rerr := range batch.Rejected {
		log.Warn("event rejected at parse", logx.Err(rerr))
	}
	m.note(logx.LevelInfo, fmt.Sprintf("%d events in window %s..%s", c.Events,
		from.Format("02/01/2006"), to.Format("02/01/2006")))

	for i, ev := range batch.Events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle interrupted at event %d/%d: %w", i+1, c.Events, err)
		}
		m.setStep(fmt.Sprintf("processing event %d/%d", i+1, c.Events))
		m.process(ctx, s, rep, ev, log)
	}
	return nil
}

// process handles one event. Nothing here aborts the batch.
func (m *Monitor) process(ctx context.Context, s Settings, rep *Report, ev event.Event, log logx.Logger) {
	c := &rep.Counts
	elog := log.With(logx.String("entity_id", ev.EntityID), logx.Int("status_code", ev.StatusCode))

	dec, err := m.detector.Classify(ctx, ev, s.ActiveStatuses)
	if err != nil {
		c.LedgerErrors++
		elog.Error("classification failed", logx.Err(err))
		return
	}
	switch dec.Class {
	case detect.ClassIgnored:
		c.Ignored++
		return
	case detect.ClassAlreadyNotified:
		c.AlreadyNotified++
		return
	case detect.ClassNew:
		c.New++
		m.note(logx.LevelInfo, fmt.Sprintf("%s: new event (%s)", ev.EntityID, statusLabel(ev)))
	case detect.ClassStatusChanged:
		c.StatusChanged++
		m.note(logx.LevelInfo, fmt.Sprintf("%s: status change %d -> %d (%s)",
			ev.EntityID, dec.Previous.Key.StatusCode, ev.StatusCode, statusLabel(ev)))
	}

	var vehicle *event.Vehicle
	if ev.VehicleRef == "" {
		elog.Warn("event has no vehicle reference")
	} else if v, err := m.src.FetchVehicle(ctx, ev.VehicleRef); err != nil {
		elog.Warn("vehicle lookup failed", logx.String("vehicle", ev.VehicleRef), logx.Err(err))
	} else {
		vehicle = v
	}

	res := m.dispatcher.Dispatch(ctx, dispatch.Request{
		CycleID:   rep.ID,
		Event:     ev,
		Vehicle:   vehicle,
		Templates: s.Templates,
	})
	switch res.Outcome {
	case ledger.MessageSent:
		c.Sent++
		m.note(logx.LevelInfo, fmt.Sprintf("%s: message sent to %s", ev.EntityID, res.Phone))
	case ledger.MessageFailed:
		c.Failed++
		m.note(logx.LevelError, fmt.Sprintf("%s: send failed: %v", ev.EntityID, res.Err))
	case ledger.MessageNoPhone:
		c.NoPhone++
		m.note(logx.LevelWarn, fmt.Sprintf("%s: no phone number", ev.EntityID))
	case ledger.MessageFormatError:
		c.FormatErrors++
		m.note(logx.LevelError, fmt.Sprintf("%s: template error: %v", ev.EntityID, res.Err))
	case ledger.MessageNoVehicle:
		c.NoVehicle++
	case ledger.MessageAborted:
		c.Aborted++
		m.note(logx.LevelWarn, fmt.Sprintf("%s: send not attempted: %v", ev.EntityID, res.Err))
	}
}

func (m *Monitor) finish(rep *Report) {
	rep.FinishedAt = m.now()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)
	rep.Summary = rep.summarize()
	if rep.Err != nil {
		rep.Error = rep.Err.Error()
	}

	m.mu.Lock()
	m.step = ""
	m.stats.LastStatus = rep.Summary
	m.stats.LastCycle = rep.Counts
	m.stats.MessagesSent += int64(rep.Counts.Sent)
	m.stats.MessagesFailed += int64(rep.Counts.Failed)
	if rep.Err != nil {
		m.stats.FailedRuns++
		m.stats.LastError = rep.Err.Error()
	} else {
		m.stats.LastError = ""
	}
	cp := *rep
	m.last = &cp
	m.mu.Unlock()

	if rep.Err != nil {
		m.note(logx.LevelError, "cycle failed: "+rep.Error, logx.String("cycle_id", rep.ID))
	} else {
		m.note(logx.LevelInfo, "cycle finished: "+rep.Summary,
			logx.String("cycle_id", rep.ID), logx.Duration("took", rep.Duration))
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Time: rep.FinishedAt, Data: *rep})
}

func (m *Monitor) setStep(s string) {
	m.mu.Lock()
	m.step = s
	m.mu.Unlock()
}

// note records an activity line and mirrors it to the logger.
func (m *Monitor) note(level logx.Level, msg string, fields ...logx.Field) {
	m.activity.add(Activity{At: m.now(), Level: level.String(), Message: msg})
	switch level {
	case logx.LevelError:
		m.log.Error(msg, fields...)
	case logx.LevelWarn:
		m.log.Warn(msg, fields...)
	default:
		m.log.Info(msg, fields...)
	}
}

func statusLabel(ev event.Event) string {
	if ev.StatusName != "" {
		return ev.StatusName
	}
	return fmt.Sprintf("status %d", ev.StatusCode)
}
