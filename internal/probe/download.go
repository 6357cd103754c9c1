package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultDownloadURL is a small, always-on trace endpoint.
const DefaultDownloadURL = "https://www.cloudflare.com/cdn-cgi/trace"

const readChunk = 32 * 1024

// DownloadProbe fetches URL and counts the bytes of the streamed body.
type DownloadProbe struct {
	Client    *http.Client
	URL       string
	UserAgent string
}

func (p *DownloadProbe) Kind() Kind { return KindDownload }

// Measure issues one GET and returns bytes received divided by elapsed time.
// The clock starts before the request is sent and stops at end of body.
func (p *DownloadProbe) Measure(ctx context.Context) (Measurement, error) {
	url := strings.TrimSpace(p.URL)
	if url == "" {
		url = DefaultDownloadURL
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Measurement{}, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Measurement{}, fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, url); err != nil {
		return Measurement{}, err
	}
	// An empty 2xx body (net/http hands back http.NoBody) measures as zero bytes.
	if resp.Body == nil {
		return Measurement{}, ErrNoStream
	}

	n, err := drain(resp.Body)
	if err != nil {
		return Measurement{}, fmt.Errorf("read download body: %w", err)
	}
	return newMeasurement(KindDownload, n, start, time.Now()), nil
}

// drain reads r to EOF in fixed chunks and returns the byte count.
func drain(r io.Reader) (int64, error) {
	buf := make([]byte, readChunk)
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
