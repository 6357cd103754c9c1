// Package probe times single HTTP transfers to estimate throughput.
//
// A probe performs one measurement per call and keeps no state between calls;
// scheduling and failure policy belong to the caller.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind names the direction a probe measures.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// MinElapsed is the smallest elapsed time used when computing a rate.
// Transfers faster than this are reported at this resolution.
const MinElapsed = time.Millisecond

// ErrNoStream is returned when a response carries no readable body.
var ErrNoStream = errors.New("response body is not streamable")

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d (%s)", e.Code, e.URL)
}

// Measurement is the outcome of one successful probe run.
type Measurement struct {
	Kind        Kind          `json:"kind"`
	Bytes       int64         `json:"bytes"`
	Elapsed     time.Duration `json:"elapsed"`
	BytesPerSec float64       `json:"bytes_per_sec"`
	At          time.Time     `json:"at"`
}

// Prober is implemented by DownloadProbe and UploadProbe.
type Prober interface {
	Kind() Kind
	Measure(ctx context.Context) (Measurement, error)
}

func newMeasurement(kind Kind, n int64, start, end time.Time) Measurement {
	elapsed := end.Sub(start)
	if elapsed < MinElapsed {
		elapsed = MinElapsed
	}
	return Measurement{
		Kind:        kind,
		Bytes:       n,
		Elapsed:     elapsed,
		BytesPerSec: float64(n) / elapsed.Seconds(),
		At:          end,
	}
}

func checkStatus(resp *http.Response, url string) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}
