package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/config"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/dispatch"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/gateway/uppchannel"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/monitor"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/source/hinova"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/transport/telegram"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogChat returns the log chat id, or 0 when unset.
func groupLogChat(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapLedger(cfg *config.Config) ledger.Config {
	s := cfg.Storage
	retention := s.MessageRetention
	if retention == 0 {
		retention = ledger.DefaultMessageRetention
	}
	return ledger.Config{
		Driver:           s.Driver,
		Path:             s.Path,
		DSN:              s.DSN,
		BusyTimeout:      config.MustDuration(s.BusyTimeout, 0),
		MessageRetention: retention,
	}
}

func mapHinova(cfg *config.Config, loc *time.Location) hinova.Config {
	h := cfg.Hinova
	return hinova.Config{
		BaseURL:  h.BaseURL,
		Token:    h.Token,
		User:     h.User,
		Password: h.Password,
		Timeout:  config.MustDuration(h.Timeout, 30*time.Second),
		TokenTTL: config.MustDuration(h.TokenTTL, time.Hour),
		Location: loc,
	}
}

func mapUppChannel(cfg *config.Config) uppchannel.Config {
	u := cfg.UppChannel
	return uppchannel.Config{
		BaseURL: u.BaseURL,
		APIKey:  u.APIKey,
		Timeout: config.MustDuration(u.Timeout, 30*time.Second),
	}
}

func mapDispatch(cfg *config.Config, loc *time.Location) dispatch.Options {
	return dispatch.Options{RatePerSec: cfg.UppChannel.RatePerSec, Location: loc}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout, 10*time.Second),
		Owners:      cfg.Telegram.OwnerUserIDs,
	}
}

func mapMonitor(cfg *config.Config) (monitor.Settings, error) {
	loc, err := time.LoadLocation(cfg.Monitor.Timezone)
	if err != nil {
		return monitor.Settings{}, fmt.Errorf("monitor.timezone: %w", err)
	}
	return monitor.Settings{
		ActiveStatuses: event.NewStatusSet(cfg.Monitor.ActiveStatuses...),
		Templates:      cfg.TemplateMap(),
		LookbackDays:   cfg.Monitor.LookbackDays,
		Location:       loc,
	}, nil
}
