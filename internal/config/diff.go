package config

import (
	"reflect"

	logx "netpulse/pkg/logx"
)

// SummarizeChange returns the names of changed sections and safe structured
// attrs for logging. Secrets (telegram token, status token) are never included;
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console == nil || *newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.Bool("logging.telegram_token_set", newCfg.Logging.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Probes, newCfg.Probes) {
		changed = append(changed, "probes")
		attrs = append(attrs,
			logx.String("probes.interval", newCfg.Probes.Interval),
			logx.String("probes.overlap", newCfg.Probes.Overlap),
			logx.String("probes.download_url", newCfg.Probes.Download.URL),
			logx.String("probes.upload_url", newCfg.Probes.Upload.URL),
		)
	}

	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs, logx.String("render.mode", newCfg.Render.Mode))
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Bool("history.enabled", newCfg.History.Enabled),
			logx.String("history.window", newCfg.History.Window),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Speedtest, newCfg.Speedtest) {
		changed = append(changed, "speedtest")
		if newCfg.Speedtest != nil {
			attrs = append(attrs,
				logx.Bool("speedtest.enabled", newCfg.Speedtest.Enabled),
				logx.String("speedtest.schedule", newCfg.Speedtest.Schedule),
			)
		}
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	return changed, attrs
}
