package app

import (
	"strings"
	"time"

	"netpulse/internal/config"
	"netpulse/internal/history"
	"netpulse/internal/observability/status"
	"netpulse/internal/probe"
	"netpulse/internal/schedule"
	"netpulse/internal/storage"
	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/speedtest"
)

// defaultLogFile receives the logs while the TUI owns the terminal and no
// other sink is configured.
const defaultLogFile = "./netpulse.log"

// mapLogConfig translates logging settings. While the TUI owns the terminal
// console output would corrupt the screen, so logs move to a file unless
// another sink already catches them.
func mapLogConfig(l config.LoggingSettings, tui bool) logx.Config {
	file := logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path}
	if tui && l.Console && !l.File.Enabled && !l.Telegram.Enabled {
		file.Enabled = true
		if strings.TrimSpace(file.Path) == "" {
			file.Path = defaultLogFile
		}
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console && !tui,
		File:    file,
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Token:      l.Telegram.Token,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapProbes builds both probes on one shared client. A disabled direction
// comes back as a nil Prober.
func mapProbes(p config.ProbeSettings) (download, upload probe.Prober) {
	client := probe.NewHTTPClient(probe.ClientConfig{
		Timeout:           p.Timeout,
		DisableKeepAlives: p.DisableKeepAlives,
	})
	if p.DownloadEnabled {
		download = &probe.DownloadProbe{Client: client, URL: p.DownloadURL, UserAgent: p.UserAgent}
	}
	if p.UploadEnabled {
		upload = &probe.UploadProbe{
			Client:       client,
			URL:          p.UploadURL,
			UserAgent:    p.UserAgent,
			PayloadBytes: p.PayloadBytes,
		}
	}
	return download, upload
}

func mapWidgetConfig(p config.ProbeSettings) widget.Config {
	return widget.Config{Interval: p.Interval, Overlap: p.Overlap}
}

func mapStorageConfig(s config.StorageSettings) storage.Config {
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: s.BusyTimeout}
}

func mapHistoryConfig(h config.HistorySettings) history.Config {
	return history.Config{Window: h.Window, Retain: h.Retain}
}

func mapStatusConfig(s config.StatusConfig) status.Config {
	return status.Config{
		Enabled: s.Enabled,
		Addr:    s.Addr,
		Token:   s.Token,
		Pprof:   s.Pprof,
	}
}

func mapRunConfig(s config.SpeedtestSettings) speedtest.RunConfig {
	return speedtest.RunConfig{
		ServerCount:       s.ServerCount,
		FullTestServers:   s.FullTestServers,
		MaxConnections:    s.MaxConnections,
		SavingMode:        s.SavingMode,
		OperationTimeout:  s.Timeout,
		PacketLossEnabled: true,
		FreeOSMemory:      true,
	}
}

func mapScheduleOptions(s config.SpeedtestSettings) schedule.Options {
	return schedule.Options{
		Name:     "speedtest",
		Spec:     s.Schedule,
		Timezone: s.Timezone,
		Timeout:  s.Timeout,
		Spread:   true,
	}
}

// speedtestRecord flattens a run into its stored form. A failed run keeps
// its id and error so gaps stay visible in history.
func speedtestRecord(id string, res *speedtest.Result, err error, at time.Time) storage.SpeedtestRecord {
	rec := storage.SpeedtestRecord{ID: id, At: at}
	if res != nil {
		rec.ID = res.ID
		rec.At = res.Timestamp
		rec.DownloadMbps = res.DownloadMbps
		rec.UploadMbps = res.UploadMbps
		rec.PingMs = res.PingMs
		rec.JitterMs = res.JitterMs
		rec.PacketLoss = res.PacketLoss
		rec.ISP = res.ISP
		rec.Server = res.ServerName
		rec.Country = res.ServerCountry
		rec.Duration = res.Duration
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
