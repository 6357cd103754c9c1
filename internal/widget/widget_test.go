package widget

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpulse/internal/eventbus"
	"netpulse/internal/probe"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/speedunit"
)

type fakeProbe struct {
	kind  probe.Kind
	calls atomic.Int32
	fn    func(ctx context.Context) (probe.Measurement, error)
}

func (f *fakeProbe) Kind() probe.Kind { return f.kind }

func (f *fakeProbe) Measure(ctx context.Context) (probe.Measurement, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

func rateProbe(kind probe.Kind, bps float64) *fakeProbe {
	return &fakeProbe{kind: kind, fn: func(context.Context) (probe.Measurement, error) {
		return probe.Measurement{Kind: kind, Bytes: int64(bps), Elapsed: time.Second, BytesPerSec: bps}, nil
	}}
}

func failingProbe(kind probe.Kind, err error) *fakeProbe {
	return &fakeProbe{kind: kind, fn: func(context.Context) (probe.Measurement, error) {
		return probe.Measurement{}, err
	}}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newLogger() (*syncBuffer, logx.Logger) {
	buf := &syncBuffer{}
	return buf, logx.NewWriter(buf, "debug")
}

func TestMeasureOnceRendersBothDirections(t *testing.T) {
	w := New(Config{}, rateProbe(probe.KindDownload, 5_000_000), rateProbe(probe.KindUpload, 1200), logx.Nop())
	r := w.MeasureOnce(context.Background())

	assert.Equal(t, speedunit.Speed{Value: 5, Unit: speedunit.UnitMbps}, r.Download)
	assert.Equal(t, speedunit.Speed{Value: 1.2, Unit: speedunit.UnitKbps}, r.Upload)
	assert.Equal(t, "↓ 5.00 Mbps  ↑ 1.20 Kbps", r.String())
	assert.False(t, r.UpdatedAt.IsZero())
}

func TestFailureResetsOnlyThatDirection(t *testing.T) {
	var fail atomic.Bool
	down := &fakeProbe{kind: probe.KindDownload, fn: func(context.Context) (probe.Measurement, error) {
		if fail.Load() {
			return probe.Measurement{}, &probe.StatusError{Code: 503, URL: "http://x"}
		}
		return probe.Measurement{BytesPerSec: 2_000_000}, nil
	}}
	w := New(Config{}, down, rateProbe(probe.KindUpload, 999), logx.Nop())

	r := w.MeasureOnce(context.Background())
	assert.Equal(t, 2_000_000.0, r.DownloadBps)

	fail.Store(true)
	r = w.MeasureOnce(context.Background())
	assert.Equal(t, speedunit.Speed{Value: 0, Unit: speedunit.UnitBps}, r.Download)
	assert.Equal(t, 0.0, r.DownloadBps)
	assert.Equal(t, speedunit.Speed{Value: 999, Unit: speedunit.UnitBps}, r.Upload)

	st := w.Stats()
	assert.Equal(t, uint64(1), st.Download.Failures)
	assert.Contains(t, st.Download.LastError, "503")
}

func TestErrorDiagnostics(t *testing.T) {
	buf, log := newLogger()
	panicky := &fakeProbe{kind: probe.KindUpload, fn: func(context.Context) (probe.Measurement, error) {
		panic("boom")
	}}
	w := New(Config{}, failingProbe(probe.KindDownload, probe.ErrNoStream), panicky, log)

	r := w.MeasureOnce(context.Background())
	assert.Equal(t, speedunit.Zero, r.Download)
	assert.Equal(t, speedunit.Zero, r.Upload)

	out := buf.String()
	assert.Contains(t, out, "probe failed")
	assert.Contains(t, out, probe.ErrNoStream.Error())
	assert.Contains(t, out, "probe failed with unknown error")
	assert.Contains(t, out, "boom")
}

func TestFailureLogsAreSampledAndRecoveryIsLogged(t *testing.T) {
	buf, log := newLogger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var fail atomic.Bool
	fail.Store(true)
	down := &fakeProbe{kind: probe.KindDownload, fn: func(context.Context) (probe.Measurement, error) {
		if fail.Load() {
			return probe.Measurement{}, errors.New("dial tcp: connection refused")
		}
		return probe.Measurement{BytesPerSec: 10}, nil
	}}
	w := New(Config{}, down, nil, log, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		w.MeasureOnce(context.Background())
	}
	assert.Equal(t, failureLogBurst, strings.Count(buf.String(), "connection refused"))

	fail.Store(false)
	w.MeasureOnce(context.Background())
	assert.Equal(t, 1, strings.Count(buf.String(), "probe recovered"))
}

func TestActivateRunsProbesOnTimers(t *testing.T) {
	down := rateProbe(probe.KindDownload, 3000)
	up := rateProbe(probe.KindUpload, 4000)
	w := New(Config{Interval: 20 * time.Millisecond}, down, up, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Activate(ctx)
	w.Activate(ctx)
	defer w.Deactivate()

	require.Eventually(t, func() bool {
		return down.calls.Load() >= 2 && up.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	r := w.Readout()
	assert.Equal(t, "↓ 3.00 Kbps  ↑ 4.00 Kbps", r.String())
	assert.True(t, w.Active())
}

func TestDeactivateDiscardsInFlightResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	down := &fakeProbe{kind: probe.KindDownload, fn: func(ctx context.Context) (probe.Measurement, error) {
		started <- struct{}{}
		<-release
		return probe.Measurement{BytesPerSec: 7_000_000}, nil
	}}
	w := New(Config{Interval: 10 * time.Millisecond, Overlap: OverlapSkip}, down, nil, logx.Nop())

	w.Activate(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never started")
	}
	w.Deactivate()
	assert.False(t, w.Active())
	close(release)

	require.Eventually(t, func() bool {
		return w.Stats().Download.Discarded >= 1 && w.Stats().Download.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, w.Readout().DownloadBps)
}

func TestOverlapSkip(t *testing.T) {
	release := make(chan struct{})
	down := &fakeProbe{kind: probe.KindDownload, fn: func(ctx context.Context) (probe.Measurement, error) {
		<-release
		return probe.Measurement{BytesPerSec: 1}, nil
	}}
	w := New(Config{Interval: 10 * time.Millisecond, Overlap: OverlapSkip}, down, nil, logx.Nop())
	w.Activate(context.Background())

	require.Eventually(t, func() bool { return w.Stats().Download.Skipped >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), down.calls.Load())

	w.Deactivate()
	close(release)
}

func TestOverlapAllowRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	down := &fakeProbe{kind: probe.KindDownload, fn: func(ctx context.Context) (probe.Measurement, error) {
		<-release
		return probe.Measurement{BytesPerSec: 1}, nil
	}}
	w := New(Config{Interval: 10 * time.Millisecond}, down, nil, logx.Nop())
	w.Activate(context.Background())

	require.Eventually(t, func() bool { return w.Stats().Download.InFlight >= 3 }, 2*time.Second, 5*time.Millisecond)
	w.Deactivate()
	close(release)
}

func TestMeasurementsArePublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TypeDownload, eventbus.TypeUpload)
	defer unsub()

	w := New(Config{}, rateProbe(probe.KindDownload, 2500), failingProbe(probe.KindUpload, errors.New("reset")), logx.Nop(), WithBus(bus))
	w.MeasureOnce(context.Background())

	got := map[string]Sample{}
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got[ev.Type] = ev.Data.(Sample)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.True(t, got[eventbus.TypeDownload].OK)
	assert.Equal(t, speedunit.Speed{Value: 2.5, Unit: speedunit.UnitKbps}, got[eventbus.TypeDownload].Speed)
	assert.False(t, got[eventbus.TypeUpload].OK)
	assert.Equal(t, "reset", got[eventbus.TypeUpload].Error)
	assert.Equal(t, 0.0, got[eventbus.TypeUpload].BytesPerSec)
}

func TestReconfigureDisablesDirection(t *testing.T) {
	w := New(Config{}, rateProbe(probe.KindDownload, 10), rateProbe(probe.KindUpload, 20), logx.Nop())
	w.MeasureOnce(context.Background())
	require.Equal(t, 20.0, w.Readout().UploadBps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Activate(ctx)
	w.Reconfigure(Config{Interval: time.Hour}, rateProbe(probe.KindDownload, 10), nil)

	assert.True(t, w.Active())
	assert.Equal(t, time.Hour, w.Stats().Interval)
	assert.Equal(t, 10.0, w.Readout().DownloadBps)
	assert.Equal(t, 0.0, w.Readout().UploadBps)
	assert.False(t, w.Stats().Upload.Enabled)
	w.Deactivate()
}

func TestMeasureOnceConcurrentWithReconfigure(t *testing.T) {
	first := rateProbe(probe.KindDownload, 100)
	w := New(Config{}, first, nil, logx.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			w.MeasureOnce(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 200 {
			if i%2 == 0 {
				w.Reconfigure(Config{}, rateProbe(probe.KindDownload, 200), nil)
			} else {
				w.Reconfigure(Config{}, nil, rateProbe(probe.KindUpload, 300))
			}
		}
	}()
	wg.Wait()

	w.Reconfigure(Config{}, rateProbe(probe.KindDownload, 200), nil)
	r := w.MeasureOnce(context.Background())
	assert.Equal(t, 200.0, r.DownloadBps)
	assert.Equal(t, 0.0, r.UploadBps)
}
