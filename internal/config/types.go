package config

import (
	"strconv"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Telegram is optional; when omitted the chat surface and the chat log
	// sink stay off.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Dispatcharr DispatcharrConfig `json:"dispatcharr"`
	Ordering    OrderingConfig    `json:"ordering"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
}

// DispatcharrConfig points at the channel manager.
//
// Either token or username+password must be set. Token wins when both are.
type DispatcharrConfig struct {
	BaseURL  string `json:"base_url"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Timeout bounds a single HTTP round trip. Default "30s".
	Timeout    FlexDuration `json:"timeout,omitempty"`
	RatePerSec float64      `json:"rate_per_sec,omitempty"`
	Burst      int          `json:"burst,omitempty"`
}

// OrderingConfig drives the periodic cycle.
//
// Defaults (when fields are omitted/zero):
//   - tick: "@every 60s"
//   - frequency: 5m (integer seconds are accepted for older configs)
//   - call_timeout: 15s
//   - return_after_hours (per channel): 6
type OrderingConfig struct {
	Enabled     bool           `json:"enabled"`
	Tick        string         `json:"tick,omitempty"`
	Frequency   FlexDuration   `json:"frequency,omitempty"`
	CallTimeout FlexDuration   `json:"call_timeout,omitempty"`
	Channels    ChannelsConfig `json:"channels"`
}

// StorageConfig controls where overflow assignments are persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./eventorder.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the operational HTTP server (health, metrics, manual
// runs and optional pprof).
//
// Binding to a non-loopback address requires a token unless allow_insecure
// is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// RunsPerMinute limits POST /api/v1/ordering/run per client. Default 6.
	RunsPerMinute int `json:"runs_per_minute,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Announce posts overflow moves and returns to the log chat.
	Announce bool `json:"announce,omitempty"`
}

// LogChatID parses GroupLog. ok is false when it is unset or malformed.
func (t *TelegramConfig) LogChatID() (int64, bool) {
	if t == nil {
		return 0, false
	}
	raw := strings.TrimSpace(t.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
