package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type opener func(t *testing.T, cfg Config) Store

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	m := map[string]opener{
		"memory": func(t *testing.T, cfg Config) Store {
			cfg.Driver = "memory"
			return mustOpen(t, cfg)
		},
		"sqlite": func(t *testing.T, cfg Config) Store {
			cfg.Driver = "sqlite"
			cfg.Path = filepath.Join(t.TempDir(), "ledger.db")
			return mustOpen(t, cfg)
		},
		"file": func(t *testing.T, cfg Config) Store {
			cfg.Driver = "file"
			cfg.Path = filepath.Join(t.TempDir(), "ledger.json")
			return mustOpen(t, cfg)
		},
	}
	if dsn := os.Getenv("LEDGER_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T, cfg Config) Store {
			cfg.Driver = "postgres"
			cfg.DSN = dsn
			st := mustOpen(t, cfg)
			pg := st.(*postgresStore)
			if _, err := pg.pool.Exec(context.Background(), `TRUNCATE ledger, messages`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return st
		}
	}
	return m
}

func mustOpen(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_RecordDetectionIsInsertIfAbsent(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			clk := newFakeClock()
			st := open(t, Config{Now: clk.Now})
			ctx := context.Background()
			k := event.Key{EntityID: "P100", StatusCode: 5}

			inserted, err := st.RecordDetection(ctx, k, "Em análise")
			if err != nil || !inserted {
				t.Fatalf("first RecordDetection = %v, %v", inserted, err)
			}
			first, err := st.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}

			for i := 0; i < 3; i++ {
				clk.Advance(time.Minute)
				inserted, err = st.RecordDetection(ctx, k, "renamed")
				if err != nil || inserted {
					t.Fatalf("repeat RecordDetection = %v, %v", inserted, err)
				}
			}
			again, err := st.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !again.DetectedAt.Equal(first.DetectedAt) || again.StatusName != "Em análise" {
				t.Fatalf("record changed on repeat detection: %+v vs %+v", again, first)
			}
		})
	}
}

func TestStore_MarkNotifiedIsTerminal(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t, Config{Now: newFakeClock().Now})
			ctx := context.Background()
			k := event.Key{EntityID: "P1", StatusCode: 3}

			ok, err := st.HasBeenNotified(ctx, k)
			if err != nil || ok {
				t.Fatalf("HasBeenNotified on missing = %v, %v", ok, err)
			}
			ok, err = st.MarkNotified(ctx, k, OutcomeSent)
			if err != nil || ok {
				t.Fatalf("MarkNotified on missing = %v, %v", ok, err)
			}

			if _, err := st.RecordDetection(ctx, k, "x"); err != nil {
				t.Fatalf("RecordDetection: %v", err)
			}
			ok, _ = st.HasBeenNotified(ctx, k)
			if ok {
				t.Fatalf("detected record must not count as notified")
			}
			ok, err = st.MarkNotified(ctx, k, OutcomeFailed)
			if err != nil || !ok {
				t.Fatalf("MarkNotified = %v, %v", ok, err)
			}
			ok, err = st.MarkNotified(ctx, k, OutcomeSent)
			if err != nil || ok {
				t.Fatalf("second MarkNotified = %v, %v", ok, err)
			}
			ok, _ = st.HasBeenNotified(ctx, k)
			if !ok {
				t.Fatalf("failed outcome must count as notified")
			}
			r, err := st.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if r.Outcome != OutcomeFailed || !r.Notified() {
				t.Fatalf("record = %+v", r)
			}
		})
	}
}

func TestStore_LastKnownStatusOrdersByDetection(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			clk := newFakeClock()
			st := open(t, Config{Now: clk.Now})
			ctx := context.Background()

			if _, ok, err := st.LastKnownStatus(ctx, "P9"); err != nil || ok {
				t.Fatalf("LastKnownStatus on empty = %v, %v", ok, err)
			}
			for _, code := range []int{5, 9, 3} {
				if _, err := st.RecordDetection(ctx, event.Key{EntityID: "P9", StatusCode: code}, "s"); err != nil {
					t.Fatalf("RecordDetection: %v", err)
				}
				clk.Advance(time.Second)
			}
			if _, err := st.RecordDetection(ctx, event.Key{EntityID: "OTHER", StatusCode: 1}, "s"); err != nil {
				t.Fatalf("RecordDetection: %v", err)
			}

			r, ok, err := st.LastKnownStatus(ctx, "P9")
			if err != nil || !ok {
				t.Fatalf("LastKnownStatus = %v, %v", ok, err)
			}
			if r.Key.StatusCode != 3 {
				t.Fatalf("LastKnownStatus code = %d, want 3", r.Key.StatusCode)
			}
		})
	}
}

func TestStore_Pending(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			clk := newFakeClock()
			st := open(t, Config{Now: clk.Now})
			ctx := context.Background()

			old := event.Key{EntityID: "A", StatusCode: 1}
			done := event.Key{EntityID: "B", StatusCode: 1}
			fresh := event.Key{EntityID: "C", StatusCode: 1}

			_, _ = st.RecordDetection(ctx, old, "s")
			_, _ = st.RecordDetection(ctx, done, "s")
			_, _ = st.MarkNotified(ctx, done, OutcomeSent)
			clk.Advance(time.Hour)
			_, _ = st.RecordDetection(ctx, fresh, "s")

			got, err := st.Pending(ctx, clk.Now().Add(-30*time.Minute))
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(got) != 1 || got[0].Key != old {
				t.Fatalf("Pending = %+v", got)
			}
		})
	}
}

func TestStore_MessagesRetention(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			clk := newFakeClock()
			st := open(t, Config{Now: clk.Now, MessageRetention: 3})
			ctx := context.Background()

			for i := 1; i <= 5; i++ {
				err := st.AppendMessage(ctx, MessageEntry{EntityID: "P", StatusCode: i, Outcome: MessageSent, Phone: "11999998888"})
				if err != nil {
					t.Fatalf("AppendMessage: %v", err)
				}
				clk.Advance(time.Second)
			}
			got, err := st.RecentMessages(ctx, 0)
			if err != nil {
				t.Fatalf("RecentMessages: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			if got[0].StatusCode != 5 || got[2].StatusCode != 3 {
				t.Fatalf("order = %d..%d, want 5..3", got[0].StatusCode, got[2].StatusCode)
			}
			got, _ = st.RecentMessages(ctx, 2)
			if len(got) != 2 {
				t.Fatalf("limited len = %d", len(got))
			}
		})
	}
}

func TestStore_ConcurrentDetectionInsertsOnce(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t, Config{})
			ctx := context.Background()
			k := event.Key{EntityID: "RACE", StatusCode: 7}

			var wg sync.WaitGroup
			var mu sync.Mutex
			inserts := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.RecordDetection(ctx, k, "s")
					if err != nil {
						t.Errorf("RecordDetection: %v", err)
						return
					}
					if ok {
						mu.Lock()
						inserts++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if inserts != 1 {
				t.Fatalf("inserts = %d, want 1", inserts)
			}
		})
	}
}

func TestFileStore_SurvivesReopenAndCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ctx := context.Background()

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := st.(*fileStore)
	for i := 0; i < compactEvery+5; i++ {
		k := event.Key{EntityID: "E", StatusCode: i}
		if _, err := st.RecordDetection(ctx, k, "s"); err != nil {
			t.Fatalf("RecordDetection: %v", err)
		}
	}
	if fs.journalOps < compactEvery {
		t.Fatalf("journalOps = %d", fs.journalOps)
	}
	if _, err := st.MarkNotified(ctx, event.Key{EntityID: "E", StatusCode: 2}, OutcomeSent); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(fs.snapshotPath); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	st2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	ok, err := st2.HasBeenNotified(ctx, event.Key{EntityID: "E", StatusCode: 2})
	if err != nil || !ok {
		t.Fatalf("HasBeenNotified after reopen = %v, %v", ok, err)
	}
	inserted, err := st2.RecordDetection(ctx, event.Key{EntityID: "E", StatusCode: compactEvery + 4}, "s")
	if err != nil || inserted {
		t.Fatalf("RecordDetection after reopen = %v, %v", inserted, err)
	}
	r, ok, err := st2.LastKnownStatus(ctx, "E")
	if err != nil || !ok || r.Key.StatusCode != compactEvery+4 {
		t.Fatalf("LastKnownStatus after reopen = %+v, %v, %v", r, ok, err)
	}
}

func TestFileStore_TornJournalTailDoesNotSwallowNextOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	journal := filepath.Join(dir, "ledger.ledger.journal.jsonl")
	messages := filepath.Join(dir, "ledger.messages.jsonl")
	ctx := context.Background()

	if err := os.WriteFile(journal, []byte(`{"op":"detect","entity":"P9`), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	if err := os.WriteFile(messages, []byte(`{"entity_id":"P9","outc`), 0o600); err != nil {
		t.Fatalf("write messages: %v", err)
	}

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k := event.Key{EntityID: "P100", StatusCode: 5}
	if _, err := st.RecordDetection(ctx, k, "Aberto"); err != nil {
		t.Fatalf("RecordDetection: %v", err)
	}
	if ok, err := st.MarkNotified(ctx, k, OutcomeSent); err != nil || !ok {
		t.Fatalf("MarkNotified = %v, %v", ok, err)
	}
	if err := st.AppendMessage(ctx, MessageEntry{EntityID: "P100", StatusCode: 5, Outcome: MessageSent}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	ok, err := st2.HasBeenNotified(ctx, k)
	if err != nil || !ok {
		t.Fatalf("HasBeenNotified after reopen = %v, %v", ok, err)
	}
	if _, err := st2.Get(ctx, event.Key{EntityID: "P9"}); err != ErrNotFound {
		t.Fatalf("torn record must not be restored, err = %v", err)
	}
	msgs, err := st2.RecentMessages(ctx, 10)
	if err != nil || len(msgs) != 1 || msgs[0].EntityID != "P100" {
		t.Fatalf("messages after reopen = %+v, %v", msgs, err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
