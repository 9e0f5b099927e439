package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

// SummarizeChange lists the changed sections and safe log fields for them.
// Secrets (tokens, passwords, api keys, dsn) are only reported as set/unset
// or changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	o, n := oldCfg.Hinova, newCfg.Hinova
	if o.BaseURL != n.BaseURL || o.Timeout != n.Timeout || o.TokenTTL != n.TokenTTL ||
		o.Token != n.Token || o.User != n.User || o.Password != n.Password {
		changed = append(changed, "hinova")
		fields = append(fields,
			logx.String("hinova.base_url", n.BaseURL),
			logx.Bool("hinova.credentials_changed", o.Token != n.Token || o.User != n.User || o.Password != n.Password),
		)
	}

	ou, nu := oldCfg.UppChannel, newCfg.UppChannel
	if ou != nu {
		changed = append(changed, "uppchannel")
		fields = append(fields,
			logx.String("uppchannel.base_url", nu.BaseURL),
			logx.Bool("uppchannel.api_key_set", strings.TrimSpace(nu.APIKey) != ""),
			logx.Any("uppchannel.rate_per_sec", nu.RatePerSec),
		)
	}

	om, nm := oldCfg.Monitor, newCfg.Monitor
	if !reflect.DeepEqual(om, nm) {
		changed = append(changed, "monitor")
		fields = append(fields,
			logx.String("monitor.schedule", nm.Schedule),
			logx.Int("monitor.lookback_days", nm.LookbackDays),
			logx.Int("monitor.active_statuses", len(nm.ActiveStatuses)),
			logx.Int("monitor.templates", len(nm.Templates)),
			logx.String("monitor.timezone", nm.Timezone),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.restart_required", true))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.GroupLog != nt.GroupLog ||
		ot.PollTimeout != nt.PollTimeout || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, fields
}
