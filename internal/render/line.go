package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"netpulse/internal/widget"
)

// Line writes the readout as text. In place mode redraws a single terminal
// line with '\r'; otherwise each distinct update is written on its own line.
type Line struct {
	mu      sync.Mutex
	w       io.Writer
	inPlace bool

	lastText string
	lastAt   time.Time
	drawn    bool
	closed   bool
}

func NewLine(w io.Writer, inPlace bool) *Line {
	return &Line{w: w, inPlace: inPlace}
}

func (l *Line) Render(r widget.Readout) {
	text := r.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.drawn && text == l.lastText && r.UpdatedAt.Equal(l.lastAt) {
		return
	}
	l.lastText, l.lastAt, l.drawn = text, r.UpdatedAt, true
	if l.inPlace {
		// \x1b[K clears leftovers from a longer previous line.
		_, _ = fmt.Fprintf(l.w, "\r%s\x1b[K", text)
		return
	}
	_, _ = fmt.Fprintln(l.w, text)
}

func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.inPlace && l.drawn {
		_, err := fmt.Fprintln(l.w)
		return err
	}
	return nil
}
