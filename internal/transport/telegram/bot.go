// Package telegram is the optional operator channel: owner-only /run and
// /status commands, and the chat sink for forwarded log lines.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/runtime/supervisor"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	Owners      []int64

	// Offline skips the getMe call; used by tests.
	Offline bool
}

type Monitor interface {
	RunCycle(ctx context.Context, trigger monitor.Trigger) (monitor.Report, error)
	Status() monitor.Status
}

type Bot struct {
	log logx.Logger
	mon Monitor
	bot *tele.Bot

	mu      sync.Mutex
	owners  []int64
	sup     *supervisor.Supervisor
	running bool
}

func New(cfg Config, mon Monitor, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		log:    log.With(logx.String("comp", "telegram")),
		mon:    mon,
		bot:    tb,
		owners: slices.Clone(cfg.Owners),
	}
	tb.Handle("/run", b.onCommand)
	tb.Handle("/status", b.onCommand)
	tb.Handle("/start", b.onCommand)
	return b, nil
}

// SetOwners replaces the user ids allowed to issue commands.
func (b *Bot) SetOwners(ids []int64) {
	b.mu.Lock()
	b.owners = slices.Clone(ids)
	b.mu.Unlock()
}

func (b *Bot) isOwner(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.owners, id)
}

func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.sup = supervisor.New(ctx, supervisor.WithLogger(b.log))
	sup := b.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// Start blocks until Stop; a premature return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithRestartOnCleanExit(true))
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Long-poll can hold getUpdates open; do not block shutdown on it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		b.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

func (b *Bot) onCommand(c tele.Context) error {
	sender := c.Sender()
	msg := c.Message()
	if sender == nil || msg == nil {
		return nil
	}
	cmd := commandName(msg.Text)
	log := b.log.With(logx.String("cmd", cmd), logx.Int64("from_id", sender.ID), logx.Int64("chat_id", c.Chat().ID))
	if !b.isOwner(sender.ID) {
		log.Warn("command denied")
		return c.Send("Not allowed.")
	}

	switch cmd {
	case "/run":
		b.mu.Lock()
		sup := b.sup
		b.mu.Unlock()
		if sup == nil {
			return c.Send("Bot is stopping.")
		}
		if err := c.Send("Starting cycle..."); err != nil {
			log.Warn("reply failed", logx.Err(err))
		}
		chat, thread := c.Chat(), msg.ThreadID
		sup.Go0("telegram.run", func(ctx context.Context) {
			rep, err := b.mon.RunCycle(ctx, monitor.TriggerTelegram)
			text := runReply(rep, err)
			if _, err := b.bot.Send(chat, text, &tele.SendOptions{ThreadID: thread}); err != nil {
				log.Warn("reply failed", logx.Err(err))
			}
		})
		return nil
	default:
		return c.Send(statusText(b.mon.Status()))
	}
}

// SendLog implements the logx chat sink.
func (b *Bot) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func commandName(text string) string {
	f := strings.Fields(text)
	if len(f) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(strings.ToLower(f[0]), "@")
	return name
}

func runReply(rep monitor.Report, err error) string {
	switch {
	case errors.Is(err, monitor.ErrCycleRunning):
		return "A cycle is already running."
	case err != nil:
		return "Cycle failed: " + err.Error()
	default:
		return fmt.Sprintf("Cycle %s done in %s\n%s", shortID(rep.ID), rep.Duration.Round(time.Millisecond), rep.Summary)
	}
}

func statusText(st monitor.Status) string {
	var sb strings.Builder
	if st.Running {
		fmt.Fprintf(&sb, "Running: %s\n", st.Step)
	} else {
		sb.WriteString("Idle\n")
	}
	s := st.Stats
	if !s.LastRunAt.IsZero() {
		fmt.Fprintf(&sb, "Last run: %s\n", s.LastRunAt.Format("02/01/2006 15:04:05"))
	}
	if s.LastStatus != "" {
		fmt.Fprintf(&sb, "Last status: %s\n", s.LastStatus)
	}
	fmt.Fprintf(&sb, "Runs: %d (%d failed)\nMessages: %d sent, %d failed", s.TotalRuns, s.FailedRuns, s.MessagesSent, s.MessagesFailed)
	if s.LastError != "" {
		fmt.Fprintf(&sb, "\nLast error: %s", s.LastError)
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
