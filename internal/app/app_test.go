package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpulse/internal/config"
	"netpulse/internal/eventbus"
	"netpulse/internal/probe"
	"netpulse/internal/render"
	"netpulse/internal/storage"
	"netpulse/pkg/speedtest"
)

func TestMapLogConfigSilencesConsoleUnderTUI(t *testing.T) {
	l := config.LoggingSettings{Level: "debug", Console: true, File: config.LoggingFile{Enabled: true, Path: "x.log"}}

	got := mapLogConfig(l, false)
	assert.True(t, got.Console)
	assert.Equal(t, "debug", got.Level)
	assert.True(t, got.File.Enabled)

	got = mapLogConfig(l, true)
	assert.False(t, got.Console)
	assert.True(t, got.File.Enabled)
}

func TestMapLogConfigFallsBackToFileUnderTUI(t *testing.T) {
	l := config.LoggingSettings{Level: "info", Console: true}

	got := mapLogConfig(l, true)
	assert.False(t, got.Console)
	assert.True(t, got.File.Enabled)
	assert.Equal(t, defaultLogFile, got.File.Path)

	l.File.Path = "/var/log/netpulse.log"
	assert.Equal(t, "/var/log/netpulse.log", mapLogConfig(l, true).File.Path)

	// Another sink already catches the logs.
	l.File.Path = ""
	l.Telegram = config.LoggingTelegram{Enabled: true, Token: "t"}
	assert.False(t, mapLogConfig(l, true).File.Enabled)

	// Off the TUI nothing changes.
	l.Telegram = config.LoggingTelegram{}
	assert.False(t, mapLogConfig(l, false).File.Enabled)

	// An explicitly silenced console stays silent.
	l.Console = false
	assert.False(t, mapLogConfig(l, true).File.Enabled)
}

func TestTUIOwnsTerminal(t *testing.T) {
	assert.True(t, tuiOwnsTerminal(render.ModeTUI, false))
	assert.False(t, tuiOwnsTerminal(render.ModeTUI, true))
	assert.False(t, tuiOwnsTerminal(render.ModeLine, false))
}

func TestMeasureOnceInTUIModeLogsFailuresToStderr(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := filepath.Join(t.TempDir(), "netpulse.yaml")
	body := "probes:\n  timeout: 2s\n  download: { url: '" + url + "/down' }\n  upload: { enabled: false }\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	t.Cleanup(func() { os.Stderr = orig })

	a, err := New(Options{ConfigPath: p, Mode: render.ModeTUI, Out: io.Discard, Once: true})
	require.NoError(t, err)
	require.Equal(t, render.ModeTUI, a.Mode())
	readout := a.MeasureOnce(context.Background())
	require.NoError(t, a.logs.Close())

	require.NoError(t, w.Close())
	os.Stderr = orig
	logged, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, 0.0, readout.DownloadBps)
	assert.Contains(t, string(logged), "probe failed")
	assert.Contains(t, string(logged), "download request")
}

func TestStatusSourcesCountDroppedEvents(t *testing.T) {
	a, _ := newTestApp(t, io.Discard)
	_, unsub := a.bus.Subscribe(1, eventbus.TypeUpload)
	defer unsub()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeUpload})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeUpload})

	src := a.statusSources()
	require.NotNil(t, src.EventsDropped)
	assert.Equal(t, uint64(1), src.EventsDropped())
}

func TestMapProbesDisabledDirectionIsNil(t *testing.T) {
	down, up := mapProbes(config.ProbeSettings{
		Timeout:         time.Second,
		DownloadEnabled: true,
		DownloadURL:     "http://example.invalid/down",
		UploadEnabled:   false,
	})
	require.NotNil(t, down)
	assert.Nil(t, up)
	assert.Equal(t, probe.KindDownload, down.Kind())

	down, up = mapProbes(config.ProbeSettings{UploadEnabled: true, PayloadBytes: 64})
	assert.Nil(t, down)
	require.NotNil(t, up)
	assert.Len(t, up.(*probe.UploadProbe).Payload(), 64)
}

func TestSpeedtestRecord(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := speedtestRecord("fallback", nil, speedtest.ErrNoServers, at)
	assert.Equal(t, "fallback", rec.ID)
	assert.Equal(t, at, rec.At)
	assert.Equal(t, speedtest.ErrNoServers.Error(), rec.Error)

	res := &speedtest.Result{ID: "run-1", Timestamp: at, DownloadMbps: 94.2, UploadMbps: 11.5, ServerName: "Acme", ServerCountry: "NL"}
	rec = speedtestRecord("fallback", res, nil, time.Now())
	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, at, rec.At)
	assert.Equal(t, "Acme", rec.Server)
	assert.Equal(t, "NL", rec.Country)
	assert.Empty(t, rec.Error)
}

func TestMapScheduleOptions(t *testing.T) {
	cfg := &config.Config{Speedtest: &config.SpeedtestConfig{Enabled: true, Schedule: "45m", Timeout: "90s"}}
	s, err := config.Resolve(cfg)
	require.NoError(t, err)

	opts := mapScheduleOptions(s.Speedtest)
	assert.Equal(t, "speedtest", opts.Name)
	assert.Equal(t, 45*time.Minute, opts.Spec.Every)
	assert.Equal(t, 90*time.Second, opts.Timeout)

	run := mapRunConfig(s.Speedtest)
	assert.Equal(t, 90*time.Second, run.OperationTimeout)
	assert.True(t, run.PacketLossEnabled)
}

func TestRecentSpeedtestsInMemory(t *testing.T) {
	a := &App{}
	ctx := context.Background()
	for i := range recentSpeedtests + 5 {
		a.keepSpeedtest(ctx, storage.SpeedtestRecord{ID: fmt.Sprint(i)})
	}
	got, err := a.recentSpeedtests(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	last := fmt.Sprint(recentSpeedtests + 4)
	assert.Equal(t, last, got[0].ID)

	got, err = a.recentSpeedtests(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, got, recentSpeedtests)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "netpulse.yaml")
	require.NoError(t, os.WriteFile(p, []byte("probes:\n  overlap: sometimes\n"), 0o644))
	_, err := New(Options{ConfigPath: p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probes.overlap")
}

func newTestApp(t *testing.T, out io.Writer) (*App, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	body := strings.Join([]string{
		"logging:",
		"  console: false",
		"probes:",
		"  interval: 100ms",
		"  timeout: 5s",
		"  download: { url: '" + srv.URL + "/down' }",
		"  upload: { url: '" + srv.URL + "/up', payload_bytes: 1024 }",
		"history:",
		"  enabled: true",
		"  window: 200ms",
		"storage:",
		"  driver: file",
		"  path: '" + filepath.Join(dir, "history.jsonl") + "'",
		"",
	}, "\n")
	p := filepath.Join(dir, "netpulse.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	a, err := New(Options{ConfigPath: p, Mode: render.ModeLine, Out: out})
	require.NoError(t, err)
	return a, srv
}

func TestMeasureOnce(t *testing.T) {
	a, _ := newTestApp(t, io.Discard)
	r := a.MeasureOnce(context.Background())
	assert.Greater(t, r.DownloadBps, 0.0)
	assert.Greater(t, r.UploadBps, 0.0)
	assert.False(t, r.UpdatedAt.IsZero())
}

func TestStartStop(t *testing.T) {
	var out bytes.Buffer
	a, _ := newTestApp(t, &syncWriter{w: &out})
	assert.Equal(t, render.ModeLine, a.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		r := a.widget.Readout()
		return r.DownloadBps > 0 && r.UploadBps > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		ws, err := a.recorder.Recent(context.Background(), 10)
		return err == nil && len(ws) > 0
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopUnknown))
	assert.False(t, a.widget.Active())
	assert.NoError(t, a.Err())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled after Stop")
	}
}

func TestRequestQuitCancelsApp(t *testing.T) {
	a, _ := newTestApp(t, io.Discard)
	require.NoError(t, a.Start(context.Background()))

	a.requestQuit()
	a.requestQuit()
	assert.True(t, a.QuitRequested())
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("quit did not cancel the app")
	}
	require.NoError(t, a.Stop(context.Background(), StopUserQuit))
	assert.NoError(t, a.Err())
}
