package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultUploadURL echoes posted bodies back.
const DefaultUploadURL = "https://httpbin.org/post"

// DefaultPayloadBytes is the fixed upload size (1 MiB).
const DefaultPayloadBytes = 1024 * 1024

// UploadProbe posts a fixed-size text payload and times the round trip.
type UploadProbe struct {
	Client       *http.Client
	URL          string
	UserAgent    string
	PayloadBytes int

	once    sync.Once
	payload []byte
}

func (p *UploadProbe) Kind() Kind { return KindUpload }

// Payload returns the body sent on each measurement. It is built once.
func (p *UploadProbe) Payload() []byte {
	p.once.Do(func() {
		n := p.PayloadBytes
		if n <= 0 {
			n = DefaultPayloadBytes
		}
		p.payload = bytes.Repeat([]byte{'a'}, n)
	})
	return p.payload
}

// Measure issues one POST and returns payload size divided by round-trip time.
// The clock stops when the response headers arrive; the echoed body is
// drained off the clock.
func (p *UploadProbe) Measure(ctx context.Context) (Measurement, error) {
	url := strings.TrimSpace(p.URL)
	if url == "" {
		url = DefaultUploadURL
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	payload := p.Payload()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Measurement{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Measurement{}, fmt.Errorf("upload request: %w", err)
	}
	end := time.Now()
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp, url); err != nil {
		return Measurement{}, err
	}
	return newMeasurement(KindUpload, int64(len(payload)), start, end), nil
}
