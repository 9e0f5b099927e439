package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/config"
)

func TestMapMonitor(t *testing.T) {
	cfg := &config.Config{Hinova: config.HinovaConfig{Token: "t", User: "u", Password: "p"}}
	cfg.Monitor.ActiveStatuses = []int{10, 5}
	cfg.Monitor.Templates = map[string]string{"5": "Olá {nome_associado}"}
	cfg.ApplyDefaults()

	s, err := mapMonitor(cfg)
	if err != nil {
		t.Fatalf("mapMonitor: %v", err)
	}
	if got := s.ActiveStatuses.Codes(); len(got) != 2 || got[0] != 5 || got[1] != 10 {
		t.Fatalf("codes = %v", got)
	}
	if s.Location == nil || s.Location.String() != config.DefaultTimezone {
		t.Fatalf("location = %v", s.Location)
	}
	if s.Templates["5"] == "" {
		t.Fatalf("templates = %v", s.Templates)
	}

	cfg.Monitor.Timezone = "Nowhere/Land"
	if _, err := mapMonitor(cfg); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestGroupLogChat(t *testing.T) {
	tests := map[string]int64{"": 0, "  ": 0, "-100123": -100123, "@ops": 0}
	for in, want := range tests {
		cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: in}}
		if got := groupLogChat(cfg); got != want {
			t.Fatalf("groupLogChat(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestMapLedgerDefaultsRetention(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "memory", BusyTimeout: "2s"}}
	lc := mapLedger(cfg)
	if lc.MessageRetention <= 0 || lc.BusyTimeout != 2*time.Second {
		t.Fatalf("ledger config = %+v", lc)
	}
}

func TestRestartSections(t *testing.T) {
	base := func() *config.Config {
		cfg := &config.Config{
			Hinova:     config.HinovaConfig{Token: "acct", User: "u", Password: "p"},
			UppChannel: config.UppChannelConfig{APIKey: "key", RatePerSec: 1},
			Storage:    config.StorageConfig{Driver: "sqlite", Path: "./data/ledger.db"},
		}
		cfg.ApplyDefaults()
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"live only", func(c *config.Config) {
			c.Monitor.LookbackDays = 3
			c.UppChannel.RatePerSec = 5
			c.Telegram.OwnerUserIDs = []int64{1}
		}, ""},
		{"hinova password", func(c *config.Config) { c.Hinova.Password = "new" }, "hinova"},
		{"hinova user", func(c *config.Config) { c.Hinova.User = "other" }, "hinova"},
		{"api key", func(c *config.Config) { c.UppChannel.APIKey = "rotated" }, "uppchannel"},
		{"storage path", func(c *config.Config) { c.Storage.Path = "/var/lib/monitor.db" }, "storage"},
		{"storage driver", func(c *config.Config) { c.Storage.Driver = "memory" }, "storage"},
		{"admin token", func(c *config.Config) { c.HTTP.AdminToken = "adm" }, "http"},
		{"telegram token", func(c *config.Config) { c.Telegram.Token = "t" }, "telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base()
			tt.mutate(next)
			got := strings.Join(restartSections(base(), next), ",")
			if got != tt.want {
				t.Fatalf("restartSections = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakeUpstream serves both the SGA API and the UppChannel gateway.
type fakeUpstream struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/usuario/autenticar":
		_ = json.NewEncoder(w).Encode(map[string]string{"token_usuario": "user-1"})
	case "/listar/evento":
		_, _ = io.WriteString(w, `[
			{"protocolo":"P1","situacao":{"codigo":5,"nome":"Em análise"},"veiculo":{"codigo":77}},
			{"protocolo":"P2","situacao":{"codigo":9,"nome":"Finalizado"},"veiculo":{"codigo":77}}
		]`)
	case "/veiculo/buscar/77/codigo":
		_, _ = io.WriteString(w, `{"placa":"ABC1D23","associado":{"nome":"Maria","celular":"(11) 98888-7777"}}`)
	case "/v1/message/send":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sent = append(f.sent, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) messages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.sent...)
}

func TestAppRunsStartupCycle(t *testing.T) {
	up := &fakeUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	body := strings.NewReplacer("{{URL}}", srv.URL).Replace(`
hinova:
  base_url: {{URL}}
  token: acct
  user: u
  password: p
uppchannel:
  base_url: {{URL}}
  api_key: key
monitor:
  schedule: 1h
  active_statuses: [5]
  templates:
    default: "Olá {nome_associado}, protocolo {protocolo}: {situacao}"
storage:
  driver: memory
http:
  enabled: false
logging:
  level: error
  console: true
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Monitor().Status().LastReport == nil {
		if time.Now().After(deadline) {
			t.Fatalf("startup cycle did not run")
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := a.Monitor().Status()
	if st.Stats.FailedRuns != 0 || st.Stats.MessagesSent != 1 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	msgs := up.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent = %v", msgs)
	}
	if msgs[0]["number"] != "11988887777" || !strings.Contains(msgs[0]["message"], "protocolo P1") {
		t.Fatalf("message = %v", msgs[0])
	}
}
