// Package app wires the monitor: config, logging, ledger, Hinova source,
// UppChannel gateway, poll orchestrator, scheduler, HTTP API and the optional
// Telegram operator channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/config"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/detect"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/dispatch"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/eventbus"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/gateway/uppchannel"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/httpapi"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/metrics"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/runtime/supervisor"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/scheduler"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/source/hinova"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/transport/telegram"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

const pollJobName = "poll"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus        eventbus.Bus
	store      ledger.Store
	source     *hinova.Client
	dispatcher *dispatch.Dispatcher
	mon        *monitor.Monitor
	sched      *scheduler.Service
	metrics    *metrics.Metrics
	api        *httpapi.Server
	bot        *telegram.Bot

	// boot is the config the process started with; sections that are only
	// read at startup are compared against it on reload.
	boot *config.Config

	httpAddr     string
	httpEnabled  bool
	pprof        config.PprofConfig
	adminToken   string
	gatewayReady bool

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)
	cfgm.SetLogger(log)

	a := &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logs,
		bus:          eventbus.New(),
		metrics:      metrics.New(),
		boot:         cfg,
		httpAddr:     cfg.HTTP.Addr,
		httpEnabled:  cfg.HTTPEnabled(),
		pprof:        cfg.HTTP.Pprof,
		adminToken:   cfg.HTTP.AdminToken,
		gatewayReady: strings.TrimSpace(cfg.UppChannel.APIKey) != "",
	}

	settings, err := mapMonitor(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	for _, issue := range cfg.TemplateIssues() {
		log.Warn("template problem; affected events will be logged as format_error", logx.Err(issue))
	}
	if !a.gatewayReady {
		log.Warn("uppchannel api key not set; cycles will fail until configured")
	}

	store, err := ledger.Open(context.Background(), mapLedger(cfg), log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.store = store

	a.source = hinova.New(mapHinova(cfg, settings.Location), log)
	gw := uppchannel.New(mapUppChannel(cfg), log)
	a.dispatcher = dispatch.New(gw, store, mapDispatch(cfg, settings.Location), log)
	a.mon = monitor.New(monitor.Deps{
		Source:     a.source,
		Detector:   detect.New(store, log),
		Dispatcher: a.dispatcher,
		Bus:        a.bus,
		Log:        log,
	}, settings)

	a.sched = scheduler.New(settings.Location, log)
	if err := a.sched.Set(pollJobName, cfg.Monitor.Schedule, a.scheduledCycle); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("schedule: %w", err)
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(mapTelegram(cfg), a.mon, log)
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
		logs.SetSender(bot)
		logs.SetChatTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	}

	log.Info("monitor configured",
		logx.String("schedule", cfg.Monitor.Schedule),
		logx.Int("lookback_days", cfg.Monitor.LookbackDays),
		logx.Any("active_statuses", settings.ActiveStatuses.Codes()),
		logx.String("storage", cfg.Storage.Driver),
		logx.String("timezone", cfg.Monitor.Timezone),
		logx.Bool("telegram", a.bot != nil),
	)
	return a, nil
}

// Monitor exposes the orchestrator, mainly for tests and tools.
func (a *App) Monitor() *monitor.Monitor { return a.mon }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := a.sched.Validate(cfg.Monitor.Schedule); err != nil {
			return fmt.Errorf("monitor.schedule: %w", err)
		}
		_, err := mapMonitor(cfg)
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	cfgCh := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if a.httpEnabled {
		api := httpapi.NewServer(a.mon, a.store, httpapi.Options{
			RunContext:    runCtx,
			PendingAfter:  a.sched.Period,
			GatewayReady:  func() bool { return a.gatewayReady },
			Metrics:       a.metrics,
			Profiler:      a.pprof.Enabled,
			ProfilerToken: a.pprof.Token,
			Config:        a.cfgm,
			AdminToken:    a.adminToken,
		}, a.log)
		a.api = api
		a.sup.Go("http", func(c context.Context) error { return api.Serve(c, a.httpAddr) })
	}

	if a.bot != nil {
		if err := a.bot.Start(runCtx); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	a.sched.Start(runCtx)

	if a.cfgm.Get().RunOnStart() {
		a.sup.Go0("cycle.startup", func(c context.Context) {
			a.runCycle(c, monitor.TriggerStartup)
		})
	}

	a.log.Info("started",
		logx.Bool("http", a.httpEnabled),
		logx.String("addr", a.httpAddr),
		logx.Time("next_run", a.sched.Next()),
	)
	return nil
}

func (a *App) scheduledCycle(ctx context.Context) {
	a.runCycle(ctx, monitor.TriggerSchedule)
}

func (a *App) runCycle(ctx context.Context, trigger monitor.Trigger) {
	_, err := a.mon.RunCycle(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, monitor.ErrCycleRunning):
		a.log.Debug("cycle skipped; previous still running", logx.String("trigger", string(trigger)))
	case errors.Is(err, context.Canceled):
		a.log.Debug("cycle canceled", logx.String("trigger", string(trigger)))
	default:
		// The monitor already logged and counted the failure.
	}
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("bus event", logx.String("type", ev.Type), logx.Time("at", ev.Time))
		}
	}
}

// applyConfig pushes a reloaded config into the running components. Sections
// bound at startup (credentials, storage, http, telegram token) only log.
func (a *App) applyConfig(cfg *config.Config) {
	settings, err := mapMonitor(cfg)
	if err != nil {
		a.log.Warn("config apply skipped", logx.Err(err))
		return
	}
	a.logs.Apply(mapLogging(cfg))
	if a.bot != nil {
		a.bot.SetOwners(cfg.Telegram.OwnerUserIDs)
		a.logs.SetChatTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	}

	a.mon.Apply(settings)
	a.dispatcher.Apply(mapDispatch(cfg, settings.Location))

	a.sched.SetLocation(settings.Location)
	if cfg.Monitor.Schedule != a.sched.Spec().Raw {
		if err := a.sched.Set(pollJobName, cfg.Monitor.Schedule, a.scheduledCycle); err != nil {
			a.log.Warn("schedule not updated", logx.String("schedule", cfg.Monitor.Schedule), logx.Err(err))
		}
	}
	for _, issue := range cfg.TemplateIssues() {
		a.log.Warn("template problem; affected events will be logged as format_error", logx.Err(issue))
	}

	if restart := restartSections(a.boot, cfg); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config applied", logx.Time("next_run", a.sched.Next()))
}

// restartSections lists the sections that differ from boot but are only read
// at startup: credentials, endpoints, storage, the HTTP listener and the
// Telegram connection.
func restartSections(boot, cfg *config.Config) []string {
	var out []string
	if boot.Hinova != cfg.Hinova {
		out = append(out, "hinova")
	}
	ob, nb := boot.UppChannel, cfg.UppChannel
	if ob.BaseURL != nb.BaseURL || ob.APIKey != nb.APIKey || ob.Timeout != nb.Timeout {
		out = append(out, "uppchannel")
	}
	if boot.Storage != cfg.Storage {
		out = append(out, "storage")
	}
	if boot.HTTPEnabled() != cfg.HTTPEnabled() || boot.HTTP.Addr != cfg.HTTP.Addr ||
		boot.HTTP.AdminToken != cfg.HTTP.AdminToken || boot.HTTP.Pprof != cfg.HTTP.Pprof {
		out = append(out, "http")
	}
	ot, nt := boot.Telegram, cfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
		out = append(out, "telegram")
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.stepStop(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stepStop(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	// Waits for an in-flight cycle to notice cancellation between events.
	a.stepStop(ctx, "supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.stepStop(ctx, "ledger", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepStop runs one shutdown step bounded by limit and the caller's deadline.
// A step that overruns is abandoned and reported when it finally returns.
func (a *App) stepStop(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline exhausted", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
