package speedtest

import (
	"fmt"
	"time"
)

// Result is a single deep speedtest run. Rates are megabits per second as
// reported by speedtest.net servers.
type Result struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLoss    float64   `json:"packet_loss"`
	ISP           string    `json:"isp"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`

	Duration       time.Duration `json:"duration"`
	CandidateCount int           `json:"-"`
	FullTestCount  int           `json:"-"`
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("↓ %.2f Mbps  ↑ %.2f Mbps  ping %.0f ms (%s, %s)",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.ServerName, r.ServerCountry)
}
