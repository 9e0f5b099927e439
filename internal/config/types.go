package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "30s", "15m").
type Config struct {
	Hinova     HinovaConfig     `json:"hinova"`
	UppChannel UppChannelConfig `json:"uppchannel"`
	Monitor    MonitorConfig    `json:"monitor"`
	Storage    StorageConfig    `json:"storage"`
	HTTP       HTTPConfig       `json:"http"`
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
}

// HinovaConfig points at the SGA event API.
//
// Token is the account token used for authentication; User and Password
// identify the API user. None of them are ever logged.
type HinovaConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	Token    string `json:"token"`
	User     string `json:"user"`
	Password string `json:"password"`
	Timeout  string `json:"timeout,omitempty"`
	TokenTTL string `json:"token_ttl,omitempty"`
}

type UppChannelConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	APIKey     string  `json:"api_key"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// MonitorConfig drives the poll cycle.
//
// Templates are keyed by status code ("5", "10") plus "default".
// Placeholders: {nome_associado} {situacao} {protocolo} {placa} {data_evento}.
type MonitorConfig struct {
	Schedule       string            `json:"schedule"`
	LookbackDays   int               `json:"lookback_days"`
	ActiveStatuses []int             `json:"active_statuses"`
	Templates      map[string]string `json:"templates,omitempty"`
	RunOnStart     *bool             `json:"run_on_start,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
}

// StorageConfig selects the ledger backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/ledger.db }
//	storage: { driver: postgres, dsn: "postgres://monitor@db/monitor" }
type StorageConfig struct {
	Driver           string `json:"driver"`
	Path             string `json:"path,omitempty"`
	DSN              string `json:"dsn,omitempty"`
	BusyTimeout      string `json:"busy_timeout,omitempty"`
	MessageRetention int    `json:"message_retention,omitempty"`
}

// HTTPConfig is the operator API listener. AdminToken, when set, guards the
// endpoints that change state (POST /api/config).
type HTTPConfig struct {
	Enabled    *bool       `json:"enabled,omitempty"`
	Addr       string      `json:"addr,omitempty"`
	AdminToken string      `json:"admin_token,omitempty"`
	Pprof      PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof under /debug on the API listener.
// With a token set, requests need "Authorization: Bearer <token>" or
// ?token=<token>.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

func (c *Config) HTTPEnabled() bool { return c.HTTP.Enabled == nil || *c.HTTP.Enabled }

func (c *Config) RunOnStart() bool { return c.Monitor.RunOnStart == nil || *c.Monitor.RunOnStart }
