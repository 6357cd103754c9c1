package speedtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfigDefaults(t *testing.T) {
	c := RunConfig{}.normalized()
	assert.Equal(t, 5, c.ServerCount)
	assert.Equal(t, 1, c.FullTestServers)
	assert.Equal(t, 4, c.MaxConnections)
	assert.Equal(t, 4, c.PingConcurrency)
	assert.Equal(t, 3*time.Second, c.PacketLossTimeout)

	c = RunConfig{ServerCount: 2, FullTestServers: 9}.normalized()
	assert.Equal(t, 2, c.FullTestServers)
}

func TestAverageAndBest(t *testing.T) {
	results := []serverTestResult{
		{Download: 100, Upload: 10, Ping: 30 * time.Millisecond},
		{Download: 80, Upload: 20, Ping: 10 * time.Millisecond},
		{Download: 90, Upload: 30, Ping: 10 * time.Millisecond},
	}
	avg := calculateAverage(results)
	assert.Equal(t, 90.0, avg.Download)
	assert.Equal(t, 20.0, avg.Upload)
	assert.Equal(t, 50*time.Millisecond/3, avg.Ping)

	best := findBest(results)
	require.NotNil(t, best)
	assert.Equal(t, 90.0, best.Download)

	assert.Nil(t, findBest(nil))
	assert.Equal(t, serverTestResult{}, calculateAverage(nil))
}

func TestJitterFallback(t *testing.T) {
	assert.Equal(t, 4.0, jitterMs(4*time.Millisecond, 50*time.Millisecond))
	assert.Equal(t, 5.0, jitterMs(0, 50*time.Millisecond))
	assert.Equal(t, 0.1, jitterMs(0, 0))
}

func TestRunHonoursCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(RunConfig{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClientOptions(t *testing.T) {
	_, tr := newHTTPClient(RunConfig{DisableHTTP2: true, DisableKeepAlives: true})
	assert.False(t, tr.ForceAttemptHTTP2)
	assert.NotNil(t, tr.TLSNextProto)
	assert.True(t, tr.DisableKeepAlives)

	_, tr = newHTTPClient(RunConfig{MaxConnections: 8})
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, 8, tr.MaxIdleConnsPerHost)
}

func TestResultString(t *testing.T) {
	r := &Result{DownloadMbps: 95.456, UploadMbps: 20, PingMs: 12, ServerName: "Biznet", ServerCountry: "Indonesia"}
	assert.Equal(t, "↓ 95.46 Mbps  ↑ 20.00 Mbps  ping 12 ms (Biznet, Indonesia)", r.String())
	var nilResult *Result
	assert.Equal(t, "<nil>", nilResult.String())
}
