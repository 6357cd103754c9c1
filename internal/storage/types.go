package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// File driver bounds. Zero means the package default.
	MaxRecords int
	MaxBytes   int64
}

// Store is the persistence API used by the history recorder, the speedtest
// job and the status server. Recent* return newest first.
type Store interface {
	AppendWindow(ctx context.Context, w Window) error
	RecentWindows(ctx context.Context, n int) ([]Window, error)
	AppendSpeedtest(ctx context.Context, r SpeedtestRecord) error
	RecentSpeedtests(ctx context.Context, n int) ([]SpeedtestRecord, error)
	// Prune deletes everything that ended before the cutoff and reports how
	// many records were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Window aggregates probe results over [Start, End). Rates are bytes/sec;
// Min/Max/Avg only cover successful measurements.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	DownloadOK   int     `json:"download_ok"`
	DownloadFail int     `json:"download_fail"`
	DownloadAvg  float64 `json:"download_avg"`
	DownloadMin  float64 `json:"download_min"`
	DownloadMax  float64 `json:"download_max"`

	UploadOK   int     `json:"upload_ok"`
	UploadFail int     `json:"upload_fail"`
	UploadAvg  float64 `json:"upload_avg"`
	UploadMin  float64 `json:"upload_min"`
	UploadMax  float64 `json:"upload_max"`
}

// Samples is the total number of measurements in the window.
func (w Window) Samples() int { return w.DownloadOK + w.DownloadFail + w.UploadOK + w.UploadFail }

// SpeedtestRecord is one deep speedtest run. Failed runs carry Error.
type SpeedtestRecord struct {
	ID           string        `json:"id"`
	At           time.Time     `json:"at"`
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	PingMs       float64       `json:"ping_ms"`
	JitterMs     float64       `json:"jitter_ms"`
	PacketLoss   float64       `json:"packet_loss"`
	ISP          string        `json:"isp,omitempty"`
	Server       string        `json:"server,omitempty"`
	Country      string        `json:"country,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}
