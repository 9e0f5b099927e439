// Package scheduler fires the poll trigger on a cron expression or a fixed
// interval. It only triggers; overlap control belongs to the job.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

// Job is called on every tick with the scheduler's run context.
type Job func(ctx context.Context)

const maxStartupSpread = 30 * time.Second

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu    sync.Mutex
	loc   *time.Location
	c     *cron.Cron
	ctx   context.Context
	name  string
	spec  Spec
	job   Job
	entry cron.EntryID
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}
}

// Validate reports whether raw would be accepted by Set.
func (s *Service) Validate(raw string) error {
	sp, err := Parse(raw)
	if err != nil {
		return err
	}
	if sp.Kind == KindCron {
		if _, err := s.parser.Parse(sp.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", sp.Cron, err)
		}
	}
	return nil
}

// Set registers (or replaces) the single job. If the scheduler is running
// the new schedule takes effect immediately.
func (s *Service) Set(name, raw string, job Job) error {
	sp, err := Parse(raw)
	if err != nil {
		return err
	}
	if sp.Kind == KindCron {
		if _, err := s.parser.Parse(sp.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", sp.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.name, s.spec, s.job = name, sp, job
	if s.c != nil {
		return s.registerLocked()
	}
	return nil
}

// SetLocation changes the timezone used by cron expressions.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c != nil {
		ctx := s.ctx
		s.stopLocked()
		s.startLocked(ctx)
	}
}

// Start begins triggering. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked(ctx)
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.String("schedule", s.spec.String()))
}

func (s *Service) startLocked(ctx context.Context) {
	s.ctx = ctx
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	if s.job != nil {
		if err := s.registerLocked(); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) registerLocked() error {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	job, ctx := s.job, s.ctx
	run := cron.FuncJob(func() { job(ctx) })

	var (
		id  cron.EntryID
		err error
	)
	switch s.spec.Kind {
	case KindInterval:
		sched, jitter := intervalWithSpread(s.spec.Every, time.Now(), s.name)
		id = s.c.Schedule(sched, run)
		s.log.Debug("interval registered", logx.String("name", s.name), logx.Duration("every", s.spec.Every), logx.Duration("spread", jitter))
	default:
		id, err = s.c.AddJob(s.spec.Cron, run)
		if err != nil {
			return err
		}
		s.log.Debug("cron registered", logx.String("name", s.name), logx.String("spec", s.spec.Cron))
	}
	s.entry = id
	return nil
}

// Next reports the next trigger time, or zero when not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Spec returns the active schedule.
func (s *Service) Spec() Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Period estimates the gap between two triggers: the interval itself, or the
// distance between the next two cron fires.
func (s *Service) Period() time.Duration {
	s.mu.Lock()
	sp, loc := s.spec, s.loc
	s.mu.Unlock()
	switch sp.Kind {
	case KindInterval:
		return sp.Every
	default:
		if sp.Cron == "" {
			return 0
		}
		sched, err := s.parser.Parse(sp.Cron)
		if err != nil {
			return 0
		}
		first := sched.Next(time.Now().In(loc))
		return sched.Next(first).Sub(first)
	}
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	s.entry = 0
}

// startupSpread delays the first interval tick by a random jitter so that
// restarts do not all hit the provider at the same second.
type startupSpread struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpread) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &startupSpread{base: base, first: now.Add(every + jitter)}, jitter
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
