package render

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpulse/internal/eventbus"
	"netpulse/internal/widget"
	"netpulse/pkg/speedunit"
)

func readout(down, up float64, at time.Time) widget.Readout {
	return widget.Readout{
		Download:    speedunit.Convert(down),
		Upload:      speedunit.Convert(up),
		DownloadBps: down,
		UploadBps:   up,
		UpdatedAt:   at,
	}
}

func TestResolveMode(t *testing.T) {
	var buf bytes.Buffer
	tests := map[string]string{
		"":      ModeLine,
		"auto":  ModeLine,
		"LINE":  ModeLine,
		"tui":   ModeTUI,
		"none":  ModeNone,
		"bogus": ModeLine,
	}
	for in, want := range tests {
		assert.Equal(t, want, ResolveMode(in, &buf), in)
	}
	assert.False(t, IsTerminal(&buf))
}

func TestOpenNoneAndLine(t *testing.T) {
	r, err := Open(ModeNone, Options{Out: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, r)

	r, err = Open(ModeAuto, Options{Out: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.IsType(t, &Line{}, r)
}

func TestLineWritesOneLinePerUpdate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLine(&buf, false)
	t0 := time.Unix(100, 0)

	l.Render(readout(5_000_000, 1200, t0))
	l.Render(readout(5_000_000, 1200, t0))
	l.Render(readout(0, 999, t0.Add(time.Second)))
	require.NoError(t, l.Close())
	l.Render(readout(1, 1, t0.Add(2*time.Second)))

	assert.Equal(t, "↓ 5.00 Mbps  ↑ 1.20 Kbps\n↓ 0.00 bps  ↑ 999.00 bps\n", buf.String())
}

func TestLineInPlace(t *testing.T) {
	var buf bytes.Buffer
	l := NewLine(&buf, true)
	l.Render(readout(2000, 3000, time.Unix(1, 0)))
	require.NoError(t, l.Close())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r↓ 2.00 Kbps  ↑ 3.00 Kbps"))
	assert.True(t, strings.HasSuffix(out, "\n"))
}

type countingRenderer struct {
	mu   sync.Mutex
	last widget.Readout
	n    atomic.Int32
}

func (c *countingRenderer) Render(r widget.Readout) {
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	c.n.Add(1)
}

func (c *countingRenderer) Close() error { return nil }

func TestLoopRendersOnEvents(t *testing.T) {
	bus := eventbus.New()
	r := &countingRenderer{}
	var cur atomic.Value
	cur.Store(readout(0, 0, time.Time{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Loop(ctx, r, func() widget.Readout { return cur.Load().(widget.Readout) }, bus, time.Hour)
	}()

	require.Eventually(t, func() bool { return r.n.Load() == 1 }, time.Second, 5*time.Millisecond)

	cur.Store(readout(4_000_000_000, 0, time.Unix(5, 0)))
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeDownload, Time: time.Now()})
		return r.n.Load() >= 2
	}, time.Second, 10*time.Millisecond)

	r.mu.Lock()
	assert.Equal(t, "↓ 4.00 Gbps  ↑ 0.00 bps", r.last.String())
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func screenRow(s tcell.SimulationScreen, y int) string {
	cells, w, h := s.GetContents()
	if y < 0 || y >= h {
		return ""
	}
	var b strings.Builder
	for x := 0; x < w; x++ {
		for _, r := range cells[y*w+x].Runes {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestTUIStatusBar(t *testing.T) {
	screen := tcell.NewSimulationScreen("UTF-8")
	var quits atomic.Int32
	tui, err := NewTUI(TUIOptions{Screen: screen, OnQuit: func() { quits.Add(1) }})
	require.NoError(t, err)
	defer tui.Close()

	tui.Render(readout(5_000_000, 1200, time.Now()))
	require.Eventually(t, func() bool {
		_, _, h := screen.GetContents()
		row := screenRow(screen, h-1)
		return strings.Contains(row, "↓ 5.00 Mbps") && strings.Contains(row, "↑ 1.20 Kbps")
	}, 2*time.Second, 10*time.Millisecond)

	_, _, h := screen.GetContents()
	row := screenRow(screen, h-1)
	assert.Less(t, strings.Index(row, "↓"), strings.Index(row, "↑"))

	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	require.Eventually(t, func() bool { return quits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tui.Close())
	assert.Equal(t, int32(1), quits.Load())
}
