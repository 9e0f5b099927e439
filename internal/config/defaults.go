package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/dispatch"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/scheduler"
)

const (
	DefaultSchedule     = "15m"
	DefaultLookbackDays = 7
	DefaultTimezone     = "America/Sao_Paulo"
	DefaultStorage      = "sqlite"
	DefaultStoragePath  = "./data/ledger.db"
	DefaultHTTPAddr     = ":10000"
)

// DefaultActiveStatuses are the status codes that trigger a notification
// when the configuration names none.
var DefaultActiveStatuses = []int{6, 15, 11, 23, 38, 80, 82, 30, 40, 5, 10, 3, 45, 77, 76, 33, 8, 29, 70, 71, 72, 79, 32, 59, 4, 20, 61}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Monitor.Schedule) == "" {
		c.Monitor.Schedule = DefaultSchedule
	}
	if c.Monitor.LookbackDays <= 0 {
		c.Monitor.LookbackDays = DefaultLookbackDays
	}
	if len(c.Monitor.ActiveStatuses) == 0 {
		c.Monitor.ActiveStatuses = append([]int(nil), DefaultActiveStatuses...)
	}
	if strings.TrimSpace(c.Monitor.Timezone) == "" {
		c.Monitor.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = DefaultStorage
	}
	if c.Storage.Path == "" && c.Storage.Driver != "postgres" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Hinova.Token) == "" {
		errs = append(errs, errors.New("hinova.token is required"))
	}
	if strings.TrimSpace(c.Hinova.User) == "" || c.Hinova.Password == "" {
		errs = append(errs, errors.New("hinova.user and hinova.password are required"))
	}
	if _, err := scheduler.Parse(c.Monitor.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("monitor.schedule: %w", err))
	}
	if c.Monitor.LookbackDays < 0 {
		errs = append(errs, errors.New("monitor.lookback_days must be >= 0"))
	}
	for _, code := range c.Monitor.ActiveStatuses {
		if code <= 0 {
			errs = append(errs, fmt.Errorf("monitor.active_statuses: invalid code %d", code))
		}
	}
	for key := range c.Monitor.Templates {
		if key == dispatch.DefaultTemplateKey {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSpace(key)); err != nil {
			errs = append(errs, fmt.Errorf("monitor.templates: key %q is not a status code", key))
		}
	}
	if _, err := time.LoadLocation(c.Monitor.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("monitor.timezone: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	for path, raw := range map[string]string{
		"hinova.timeout":        c.Hinova.Timeout,
		"hinova.token_ttl":      c.Hinova.TokenTTL,
		"uppchannel.timeout":    c.UppChannel.Timeout,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"telegram.poll_timeout": c.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.UppChannel.RatePerSec < 0 {
		errs = append(errs, errors.New("uppchannel.rate_per_sec must be >= 0"))
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: %q is not a chat id", g))
		}
	}
	return errors.Join(errs...)
}

// TemplateIssues lists templates that will fail to render. They are not
// rejected: the affected events are logged as format errors and retried.
func (c *Config) TemplateIssues() []error {
	var out []error
	for key, tpl := range c.Monitor.Templates {
		if err := dispatch.CheckTemplate(tpl); err != nil {
			out = append(out, fmt.Errorf("monitor.templates[%s]: %w", key, err))
		}
	}
	return out
}

// TemplateMap converts the templates section for the dispatcher.
func (c *Config) TemplateMap() map[string]string {
	out := make(map[string]string, len(c.Monitor.Templates))
	for k, v := range c.Monitor.Templates {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
