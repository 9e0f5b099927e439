package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu    sync.Mutex
	lines []string
	chat  int64
}

func (f *fakeSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = chatID
	f.lines = append(f.lines, text)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func TestFormatChatLine(t *testing.T) {
	got := formatChatLine([]byte(`{"level":"warn","time":"x","message":"send failed","entity_id":"P1","status_code":5}`))
	want := "[WARN] send failed\n- entity_id=P1\n- status_code=5"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestChatSinkFiltersByLevel(t *testing.T) {
	snd := &fakeSender{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, snd)
	defer svc.Close()
	svc.SetChatTarget(-100, 0)

	log.Info("routine")
	log.Warn("cycle failed", String("cycle_id", "c1"))

	deadline := time.Now().Add(2 * time.Second)
	for len(snd.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no chat line delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	lines := snd.snapshot()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "[WARN] cycle failed") {
		t.Fatalf("lines = %q", lines)
	}
	if snd.chat != -100 {
		t.Fatalf("chat = %d", snd.chat)
	}
}

func TestChatSinkSilentWithoutTarget(t *testing.T) {
	snd := &fakeSender{}
	svc, log := New(Config{Chat: ChatConfig{Enabled: true, MinLevel: "info"}}, snd)
	log.Error("nobody listens")
	time.Sleep(50 * time.Millisecond)
	_ = svc.Close()
	if n := len(snd.snapshot()); n != 0 {
		t.Fatalf("sent %d lines without a chat target", n)
	}
}

func TestWithAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("shown", Int("n", 3))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"comp":"test"`) || !strings.Contains(out, `"n":3`) {
		t.Fatalf("output = %s", out)
	}
	if lvl, ok := ParseLevel("warning"); !ok || lvl != LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", lvl, ok)
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("ParseLevel accepted an unknown level")
	}
}
