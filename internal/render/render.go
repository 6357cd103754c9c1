// Package render shows the widget readout. Renderers are presentational only:
// they never measure and never see probe errors.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"netpulse/internal/eventbus"
	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
)

const (
	ModeAuto = "auto"
	ModeTUI  = "tui"
	ModeLine = "line"
	ModeNone = "none"
)

type Renderer interface {
	Render(r widget.Readout)
	Close() error
}

// Options configure Open.
type Options struct {
	// Out receives line output and decides auto mode. Defaults to os.Stdout.
	Out io.Writer
	// OnQuit is called once when the user asks the TUI to quit.
	OnQuit func()
	Log    logx.Logger
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ResolveMode maps auto to tui on a terminal and line otherwise.
func ResolveMode(mode string, out io.Writer) string {
	switch m := strings.ToLower(strings.TrimSpace(mode)); m {
	case ModeTUI, ModeLine, ModeNone:
		return m
	default:
		if IsTerminal(out) {
			return ModeTUI
		}
		return ModeLine
	}
}

// Open builds the renderer for mode (after ResolveMode).
func Open(mode string, opts Options) (Renderer, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	switch ResolveMode(mode, opts.Out) {
	case ModeNone:
		return Nop{}, nil
	case ModeLine:
		return NewLine(opts.Out, IsTerminal(opts.Out)), nil
	case ModeTUI:
		return NewTUI(TUIOptions{OnQuit: opts.OnQuit, Log: opts.Log})
	}
	return nil, fmt.Errorf("render: unknown mode %q", mode)
}

// Nop discards every readout.
type Nop struct{}

func (Nop) Render(widget.Readout) {}
func (Nop) Close() error          { return nil }

// Loop re-renders on every measurement event and at the refresh interval
// until ctx is done. It does not close r.
func Loop(ctx context.Context, r Renderer, source func() widget.Readout, bus eventbus.Bus, refresh time.Duration) {
	if refresh <= 0 {
		refresh = time.Second
	}
	var events <-chan eventbus.Event
	if bus != nil {
		ch, unsub := bus.Subscribe(16, eventbus.TypeDownload, eventbus.TypeUpload)
		defer unsub()
		events = ch
	}
	t := time.NewTicker(refresh)
	defer t.Stop()

	r.Render(source())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.Render(source())
		case <-t.C:
			r.Render(source())
		}
	}
}
