package render

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/speedunit"
)

type TUIOptions struct {
	OnQuit func()
	Log    logx.Logger
	// Screen overrides the terminal screen (tests use a simulation screen).
	Screen tcell.Screen
}

// TUI draws a one-row status bar at the bottom of the screen: download on the
// left, upload on the right, both dimmed. 'q' or Ctrl-C requests shutdown.
type TUI struct {
	app     *tview.Application
	down    *tview.TextView
	up      *tview.TextView
	updated *tview.TextView

	log      logx.Logger
	onQuit   func()
	quitOnce sync.Once

	done    chan struct{}
	runErr  error
	closeMu sync.Mutex
	closed  bool
}

func NewTUI(opts TUIOptions) (*TUI, error) {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	dim := tcell.ColorGray

	t := &TUI{
		app:     tview.NewApplication(),
		down:    tview.NewTextView().SetTextAlign(tview.AlignLeft).SetTextColor(dim),
		up:      tview.NewTextView().SetTextAlign(tview.AlignRight).SetTextColor(dim),
		updated: tview.NewTextView().SetTextAlign(tview.AlignCenter).SetTextColor(dim),
		log:     log,
		onQuit:  opts.OnQuit,
		done:    make(chan struct{}),
	}
	t.down.SetText("↓ " + speedunit.Zero.String())
	t.up.SetText("↑ " + speedunit.Zero.String())

	bar := tview.NewFlex().
		AddItem(t.down, 0, 1, false).
		AddItem(t.updated, 0, 1, false).
		AddItem(t.up, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewBox(), 0, 1, false).
		AddItem(bar, 1, 0, false)

	t.app.SetRoot(root, true)
	t.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlC || (ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q')) {
			t.requestQuit()
			return nil
		}
		return ev
	})
	if opts.Screen != nil {
		t.app.SetScreen(opts.Screen)
	}

	go func() {
		defer close(t.done)
		if err := t.app.Run(); err != nil {
			t.runErr = err
			t.log.Error("tui stopped", logx.Err(err))
		}
		t.requestQuit()
	}()
	return t, nil
}

func (t *TUI) requestQuit() {
	t.quitOnce.Do(func() {
		if t.onQuit != nil {
			t.onQuit()
		}
	})
}

// Done is closed when the TUI event loop has exited.
func (t *TUI) Done() <-chan struct{} { return t.done }

func (t *TUI) Render(r widget.Readout) {
	t.closeMu.Lock()
	closed := t.closed
	t.closeMu.Unlock()
	if closed {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	down := "↓ " + r.Download.String()
	up := "↑ " + r.Upload.String()
	updated := ""
	if !r.UpdatedAt.IsZero() {
		updated = fmt.Sprintf("updated %s", humanize.Time(r.UpdatedAt.Truncate(time.Second)))
	}
	t.app.QueueUpdateDraw(func() {
		t.down.SetText(down)
		t.up.SetText(up)
		t.updated.SetText(updated)
	})
}

// Close stops the event loop and restores the terminal.
func (t *TUI) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	t.app.Stop()
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("tui: event loop did not stop")
	}
	return t.runErr
}
