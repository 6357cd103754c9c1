package widget

import (
	"fmt"
	"time"

	"netpulse/internal/probe"
	"netpulse/pkg/speedunit"
)

// Readout is the render model: both speeds in display units plus the raw
// rates they were derived from.
type Readout struct {
	Download    speedunit.Speed `json:"download"`
	Upload      speedunit.Speed `json:"upload"`
	DownloadBps float64         `json:"download_bps"`
	UploadBps   float64         `json:"upload_bps"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// String renders "↓ 5.00 Mbps  ↑ 1.20 Kbps".
func (r Readout) String() string {
	return fmt.Sprintf("↓ %s  ↑ %s", r.Download, r.Upload)
}

func newReadout(down, up float64, at time.Time) Readout {
	return Readout{
		Download:    speedunit.Convert(down),
		Upload:      speedunit.Convert(up),
		DownloadBps: down,
		UploadBps:   up,
		UpdatedAt:   at,
	}
}

// Sample is published on the event bus for every completed (not discarded)
// measurement. A failed measurement has OK=false and a zero rate.
type Sample struct {
	Kind        probe.Kind      `json:"kind"`
	OK          bool            `json:"ok"`
	BytesPerSec float64         `json:"bytes_per_sec"`
	Speed       speedunit.Speed `json:"speed"`
	Bytes       int64           `json:"bytes,omitempty"`
	Elapsed     time.Duration   `json:"elapsed,omitempty"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// ProbeStats are per-probe counters since the widget was created.
type ProbeStats struct {
	Enabled   bool      `json:"enabled"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Skipped   uint64    `json:"skipped"`
	Discarded uint64    `json:"discarded"`
	InFlight  int32     `json:"in_flight"`
	LastError string    `json:"last_error,omitempty"`
	LastOK    time.Time `json:"last_ok,omitempty"`
}

// Stats is a point-in-time view of the widget for status endpoints.
type Stats struct {
	Active   bool          `json:"active"`
	Interval time.Duration `json:"interval"`
	Overlap  string        `json:"overlap"`
	Download ProbeStats    `json:"download"`
	Upload   ProbeStats    `json:"upload"`
}
