package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

// Environment variables understood by ApplyEnv. They keep the names used by
// existing deployments.
const (
	EnvHinovaToken     = "HINOVA_TOKEN"
	EnvHinovaUser      = "HINOVA_USUARIO"
	EnvHinovaPassword  = "HINOVA_SENHA"
	EnvUppChannelKey   = "UPPCHANNEL_API_KEY"
	EnvActiveStatuses  = "SITUACOES_ATIVAS"
	EnvIntervalMinutes = "INTERVALO_MINUTOS"
	EnvLookbackDays    = "DIAS_BUSCA"
	EnvTemplatePrefix  = "TEMPLATE_"
	EnvPort            = "PORT"
	EnvTelegramToken   = "TELEGRAM_TOKEN"
	EnvDatabaseURL     = "DATABASE_URL"
)

// ApplyEnv overlays environment values on cfg. environ has the os.Environ
// format. Set variables win over the file.
func ApplyEnv(cfg *Config, environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		env[k] = v
	}

	setStr := func(dst *string, key string) {
		if v, ok := env[key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setStr(&cfg.Hinova.Token, EnvHinovaToken)
	setStr(&cfg.Hinova.User, EnvHinovaUser)
	if v, ok := env[EnvHinovaPassword]; ok {
		cfg.Hinova.Password = v
	}
	setStr(&cfg.UppChannel.APIKey, EnvUppChannelKey)
	setStr(&cfg.Telegram.Token, EnvTelegramToken)
	if v, ok := env[EnvDatabaseURL]; ok {
		cfg.Storage.DSN = strings.TrimSpace(v)
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	if v, ok := env[EnvActiveStatuses]; ok {
		set, err := event.ParseStatusList(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvActiveStatuses, err)
		}
		cfg.Monitor.ActiveStatuses = set.Codes()
	}
	if v, ok := env[EnvIntervalMinutes]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid minutes %q", EnvIntervalMinutes, v)
		}
		cfg.Monitor.Schedule = strconv.Itoa(n) + "m"
	}
	if v, ok := env[EnvLookbackDays]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid days %q", EnvLookbackDays, v)
		}
		cfg.Monitor.LookbackDays = n
	}
	if v, ok := env[EnvPort]; ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.HTTP.Addr = ":" + strconv.Itoa(port)
	}

	for k, v := range env {
		code, ok := strings.CutPrefix(k, EnvTemplatePrefix)
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(code); err != nil && !strings.EqualFold(code, "default") {
			continue
		}
		if cfg.Monitor.Templates == nil {
			cfg.Monitor.Templates = map[string]string{}
		}
		cfg.Monitor.Templates[strings.ToLower(code)] = v
	}
	return nil
}
