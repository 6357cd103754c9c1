package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"netpulse/internal/schedule"
	logx "netpulse/pkg/logx"
)

const (
	DefaultInterval      = time.Second
	DefaultProbeTimeout  = 30 * time.Second
	DefaultDownloadURL   = "https://www.cloudflare.com/cdn-cgi/trace"
	DefaultUploadURL     = "https://httpbin.org/post"
	DefaultPayloadBytes  = 1024 * 1024
	DefaultUserAgent     = "netpulse"
	DefaultWindow        = time.Minute
	DefaultRetain        = 7 * 24 * time.Hour
	DefaultStatusAddr    = "127.0.0.1:9109"
	DefaultSpeedtestTime = 2 * time.Minute

	minInterval = 100 * time.Millisecond
)

// Overlap modes for probe ticks.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

// Render modes.
const (
	RenderAuto = "auto"
	RenderTUI  = "tui"
	RenderLine = "line"
	RenderNone = "none"
)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	Logging   LoggingSettings
	Probes    ProbeSettings
	Render    RenderSettings
	History   HistorySettings
	Storage   StorageSettings
	Speedtest SpeedtestSettings
	Status    StatusConfig
	Notify    bool
}

type LoggingSettings struct {
	Level    string
	Console  bool
	File     LoggingFile
	Telegram LoggingTelegram
}

type ProbeSettings struct {
	Interval          time.Duration
	Timeout           time.Duration
	Overlap           string
	UserAgent         string
	DisableKeepAlives bool
	DownloadEnabled   bool
	DownloadURL       string
	UploadEnabled     bool
	UploadURL         string
	PayloadBytes      int
}

type RenderSettings struct {
	Mode    string
	Refresh time.Duration
}

type HistorySettings struct {
	Enabled bool
	Window  time.Duration
	Retain  time.Duration
}

// StorageSettings.Driver is "none" when storage is disabled.
type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type SpeedtestSettings struct {
	Enabled         bool
	Schedule        schedule.ParsedSpec
	Timeout         time.Duration
	ServerCount     int
	FullTestServers int
	MaxConnections  int
	SavingMode      bool
	Timezone        string
}

// Resolve validates cfg and fills in defaults. A nil cfg resolves to defaults.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var s Settings
	var err error

	s.Logging = LoggingSettings{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console == nil || *cfg.Logging.Console,
		File:     cfg.Logging.File,
		Telegram: cfg.Logging.Telegram,
	}
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			return Settings{}, fmt.Errorf("logging.level: unknown level %q", lv)
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Logging.Telegram.Token) == "" {
		return Settings{}, fmt.Errorf("logging.telegram.token is required when logging.telegram.enabled is true")
	}

	if s.Probes, err = resolveProbes(cfg.Probes); err != nil {
		return Settings{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Render.Mode))
	switch mode {
	case "":
		mode = RenderAuto
	case RenderAuto, RenderTUI, RenderLine, RenderNone:
	default:
		return Settings{}, fmt.Errorf("render.mode: unknown mode %q (use auto, tui, line or none)", cfg.Render.Mode)
	}
	s.Render.Mode = mode
	if s.Render.Refresh, err = ParseDurationOrDefault("render.refresh", cfg.Render.Refresh, s.Probes.Interval); err != nil {
		return Settings{}, err
	}

	s.History.Enabled = cfg.History.Enabled
	if s.History.Window, err = ParseDurationOrDefault("history.window", cfg.History.Window, DefaultWindow); err != nil {
		return Settings{}, err
	}
	if s.History.Retain, err = ParseDurationOrDefault("history.retain", cfg.History.Retain, DefaultRetain); err != nil {
		return Settings{}, err
	}

	if s.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return Settings{}, err
	}
	if s.Speedtest, err = resolveSpeedtest(cfg.Speedtest); err != nil {
		return Settings{}, err
	}

	s.Status = cfg.Status
	if strings.TrimSpace(s.Status.Addr) == "" {
		s.Status.Addr = DefaultStatusAddr
	}
	if s.Status.Enabled {
		if _, _, err := net.SplitHostPort(s.Status.Addr); err != nil {
			return Settings{}, fmt.Errorf("status.addr: %w", err)
		}
		if strings.TrimSpace(s.Status.Token) == "" && !IsLoopbackAddr(s.Status.Addr) {
			return Settings{}, fmt.Errorf("status.addr %q is not loopback: status.token is required", s.Status.Addr)
		}
	}

	s.Notify = cfg.Systemd.Notify == nil || *cfg.Systemd.Notify
	return s, nil
}

func resolveProbes(p ProbesConfig) (ProbeSettings, error) {
	var out ProbeSettings
	var err error
	if out.Interval, err = ParseDurationOrDefault("probes.interval", p.Interval, DefaultInterval); err != nil {
		return out, err
	}
	if out.Interval < minInterval {
		return out, fmt.Errorf("probes.interval must be >= %s", minInterval)
	}
	if out.Timeout, err = ParseDurationOrDefault("probes.timeout", p.Timeout, DefaultProbeTimeout); err != nil {
		return out, err
	}

	switch o := strings.ToLower(strings.TrimSpace(p.Overlap)); o {
	case "":
		out.Overlap = OverlapAllow
	case OverlapAllow, OverlapSkip:
		out.Overlap = o
	default:
		return out, fmt.Errorf("probes.overlap: unknown mode %q (use allow or skip)", p.Overlap)
	}

	out.UserAgent = strings.TrimSpace(p.UserAgent)
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}
	out.DisableKeepAlives = p.DisableKeepAlives

	out.DownloadEnabled = p.Download.Enabled == nil || *p.Download.Enabled
	out.DownloadURL = strings.TrimSpace(p.Download.URL)
	if out.DownloadURL == "" {
		out.DownloadURL = DefaultDownloadURL
	}
	out.UploadEnabled = p.Upload.Enabled == nil || *p.Upload.Enabled
	out.UploadURL = strings.TrimSpace(p.Upload.URL)
	if out.UploadURL == "" {
		out.UploadURL = DefaultUploadURL
	}
	switch {
	case p.Upload.PayloadBytes < 0:
		return out, fmt.Errorf("probes.upload.payload_bytes must be >= 0")
	case p.Upload.PayloadBytes == 0:
		out.PayloadBytes = DefaultPayloadBytes
	default:
		out.PayloadBytes = p.Upload.PayloadBytes
	}
	return out, nil
}

func resolveStorage(sc *StorageConfig) (StorageSettings, error) {
	if sc == nil {
		return StorageSettings{Driver: "none"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return StorageSettings{Driver: "none"}, nil
	case "file":
		if path == "" {
			path = "./netpulse_history.jsonl"
		}
		return StorageSettings{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return StorageSettings{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return StorageSettings{}, err
		}
		return StorageSettings{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return StorageSettings{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func resolveSpeedtest(sc *SpeedtestConfig) (SpeedtestSettings, error) {
	if sc == nil || !sc.Enabled {
		return SpeedtestSettings{}, nil
	}
	spec, err := schedule.ParseSchedule(sc.Schedule)
	if err != nil {
		return SpeedtestSettings{}, fmt.Errorf("speedtest.schedule: %w", err)
	}
	timeout, err := ParseDurationOrDefault("speedtest.timeout", sc.Timeout, DefaultSpeedtestTime)
	if err != nil {
		return SpeedtestSettings{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return SpeedtestSettings{}, fmt.Errorf("speedtest.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.ServerCount < 0 || sc.FullTestServers < 0 || sc.MaxConnections < 0 {
		return SpeedtestSettings{}, fmt.Errorf("speedtest counts must be >= 0")
	}
	return SpeedtestSettings{
		Enabled:         true,
		Schedule:        spec,
		Timeout:         timeout,
		ServerCount:     sc.ServerCount,
		FullTestServers: sc.FullTestServers,
		MaxConnections:  sc.MaxConnections,
		SavingMode:      sc.SavingMode,
		Timezone:        strings.TrimSpace(sc.Timezone),
	}, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
