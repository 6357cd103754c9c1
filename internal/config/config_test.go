package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpulse/internal/schedule"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, s, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultInterval, s.Probes.Interval)
	assert.Equal(t, DefaultProbeTimeout, s.Probes.Timeout)
	assert.Equal(t, OverlapAllow, s.Probes.Overlap)
	assert.True(t, s.Probes.DownloadEnabled)
	assert.True(t, s.Probes.UploadEnabled)
	assert.Equal(t, DefaultDownloadURL, s.Probes.DownloadURL)
	assert.Equal(t, DefaultUploadURL, s.Probes.UploadURL)
	assert.Equal(t, 1024*1024, s.Probes.PayloadBytes)
	assert.Equal(t, RenderAuto, s.Render.Mode)
	assert.Equal(t, DefaultInterval, s.Render.Refresh)
	assert.Equal(t, "none", s.Storage.Driver)
	assert.False(t, s.Speedtest.Enabled)
	assert.True(t, s.Notify)
	assert.True(t, s.Logging.Console)
}

func TestDecodeYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "netpulse.yaml", `
logging:
  level: debug
probes:
  interval: 2s
  overlap: skip
  upload:
    enabled: false
    payload_bytes: 2048
render:
  mode: line
storage:
  driver: sqlite
  path: ./x.db
speedtest:
  enabled: true
  schedule: "*/30 * * * *"
`)
	m := NewManager(p)
	_, s, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, s.Probes.Interval)
	assert.Equal(t, OverlapSkip, s.Probes.Overlap)
	assert.False(t, s.Probes.UploadEnabled)
	assert.Equal(t, 2048, s.Probes.PayloadBytes)
	assert.Equal(t, RenderLine, s.Render.Mode)
	assert.Equal(t, "sqlite", s.Storage.Driver)
	assert.Equal(t, time.Second, s.Storage.BusyTimeout)
	assert.True(t, s.Speedtest.Enabled)
	assert.Equal(t, schedule.SpecCron, s.Speedtest.Schedule.Kind)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("netpulse.json", []byte(`{"probes":{"intervall":"1s"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervall")

	_, err = Decode("netpulse.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestResolveValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"interval too small", Config{Probes: ProbesConfig{Interval: "10ms"}}, "probes.interval"},
		{"bad duration", Config{Probes: ProbesConfig{Timeout: "soon"}}, "probes.timeout"},
		{"bad overlap", Config{Probes: ProbesConfig{Overlap: "queue"}}, "probes.overlap"},
		{"bad render", Config{Render: RenderConfig{Mode: "gui"}}, "render.mode"},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"sqlite needs path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"bad schedule", Config{Speedtest: &SpeedtestConfig{Enabled: true, Schedule: "whenever"}}, "speedtest.schedule"},
		{"public status needs token", Config{Status: StatusConfig{Enabled: true, Addr: "0.0.0.0:9109"}}, "status.token"},
		{"telegram needs token", Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, "logging.telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			_, err := Resolve(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true, Token: "secret-token"}},
		Status:  StatusConfig{Enabled: true, Token: "other-secret"},
		Probes:  ProbesConfig{Interval: "2s"},
	}
	sections, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "probes", "status"}, sections)
	assert.NotEmpty(t, attrs)

	sections, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, sections)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "netpulse.yaml", "probes:\n  interval: 1s\n")
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	_, _, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	writeFile(t, dir, "netpulse.yaml", "probes:\n  overlap: sometimes\n")
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "netpulse.yaml", "probes:\n  interval: 3s\n")

	select {
	case u := <-sub:
		assert.Equal(t, 3*time.Second, u.Settings.Probes.Interval)
		_, s := m.Get()
		assert.Equal(t, 3*time.Second, s.Probes.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("no config update published")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:1":  true,
		"localhost:80": true,
		"[::1]:9109":   true,
		":9109":        false,
		"0.0.0.0:9109": false,
		"10.0.0.1:80":  false,
		"garbage":      false,
	} {
		assert.Equal(t, want, IsLoopbackAddr(addr), addr)
	}
	assert.True(t, strings.HasPrefix(DefaultStatusAddr, "127."))
}
