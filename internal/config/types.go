package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "1s", "30m"); empty means "use the default".
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Probes    ProbesConfig     `json:"probes"`
	Render    RenderConfig     `json:"render"`
	History   HistoryConfig    `json:"history"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Speedtest *SpeedtestConfig `json:"speedtest,omitempty"`
	Status    StatusConfig     `json:"status"`
	Systemd   SystemdConfig    `json:"systemd"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	// Console defaults to true. The TUI renderer still silences it while it
	// owns the terminal.
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to a Telegram chat.
// The token is a secret: it is never logged or included in change summaries.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ProbesConfig controls the two periodic throughput probes.
//
// Defaults:
//   - interval: "1s"
//   - timeout: "30s"
//   - overlap: "allow" (a slow probe may still be running when the next tick fires)
//   - download.url: https://www.cloudflare.com/cdn-cgi/trace
//   - upload.url: https://httpbin.org/post, upload.payload_bytes: 1048576
type ProbesConfig struct {
	Interval          string        `json:"interval,omitempty"`
	Timeout           string        `json:"timeout,omitempty"`
	Overlap           string        `json:"overlap,omitempty"`
	UserAgent         string        `json:"user_agent,omitempty"`
	DisableKeepAlives bool          `json:"disable_keepalives,omitempty"`
	Download          DownloadProbe `json:"download"`
	Upload            UploadProbe   `json:"upload"`
}

type DownloadProbe struct {
	// Enabled is a pointer so an omitted key defaults to true.
	Enabled *bool  `json:"enabled,omitempty"`
	URL     string `json:"url,omitempty"`
}

type UploadProbe struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	URL          string `json:"url,omitempty"`
	PayloadBytes int    `json:"payload_bytes,omitempty"`
}

// RenderConfig selects how the readout is shown.
// Mode: "auto" (default), "tui", "line", "none".
type RenderConfig struct {
	Mode    string `json:"mode,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}

// HistoryConfig aggregates measurements into fixed windows and persists them
// through storage.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Window  string `json:"window,omitempty"` // default "1m"
	Retain  string `json:"retain,omitempty"` // default "168h"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./netpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SpeedtestConfig schedules an optional full speedtest.net run.
// Schedule accepts a cron expression, a Go duration ("30m") or HH:MM ("01:30").
type SpeedtestConfig struct {
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule"`
	Timeout         string `json:"timeout,omitempty"`
	ServerCount     int    `json:"server_count,omitempty"`
	FullTestServers int    `json:"full_test_servers,omitempty"`
	MaxConnections  int    `json:"max_connections,omitempty"`
	SavingMode      bool   `json:"saving_mode,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StatusConfig controls the optional local HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9109").
//   - A non-loopback address requires a token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// SystemdConfig controls sd_notify integration. Notify is a no-op outside systemd.
type SystemdConfig struct {
	Notify *bool `json:"notify,omitempty"`
}
