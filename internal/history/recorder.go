// Package history folds probe samples into fixed windows and persists them.
package history

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"netpulse/internal/eventbus"
	"netpulse/internal/probe"
	"netpulse/internal/storage"
	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
)

const (
	DefaultWindow = time.Minute
	// memoryWindows is how many windows are kept when no store is configured.
	memoryWindows = 120
	pruneEvery    = time.Hour
	flushTimeout  = 5 * time.Second
)

type Config struct {
	Window time.Duration
	// Retain is how long stored windows are kept. Zero keeps everything.
	Retain time.Duration
}

// Summary aggregates a range of windows. Rates are bytes/sec.
type Summary struct {
	Since        time.Time `json:"since"`
	Windows      int       `json:"windows"`
	DownloadOK   int       `json:"download_ok"`
	DownloadFail int       `json:"download_fail"`
	DownloadAvg  float64   `json:"download_avg"`
	DownloadMin  float64   `json:"download_min"`
	DownloadMax  float64   `json:"download_max"`
	UploadOK     int       `json:"upload_ok"`
	UploadFail   int       `json:"upload_fail"`
	UploadAvg    float64   `json:"upload_avg"`
	UploadMin    float64   `json:"upload_min"`
	UploadMax    float64   `json:"upload_max"`
}

type dirAcc struct {
	ok, fail int
	sum      float64
	min, max float64
}

func (a *dirAcc) add(s widget.Sample) {
	if !s.OK {
		a.fail++
		return
	}
	if a.ok == 0 || s.BytesPerSec < a.min {
		a.min = s.BytesPerSec
	}
	if s.BytesPerSec > a.max {
		a.max = s.BytesPerSec
	}
	a.ok++
	a.sum += s.BytesPerSec
}

func (a *dirAcc) avg() float64 {
	if a.ok == 0 {
		return 0
	}
	return a.sum / float64(a.ok)
}

// Recorder aggregates samples into windows. With a nil store the most recent
// windows are kept in memory only.
type Recorder struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu       sync.Mutex
	start    time.Time
	down, up dirAcc
	mem      []storage.Window
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{cfg: cfg, store: store, bus: bus, log: log, now: time.Now}
}

// Observe adds one sample to the current window.
func (r *Recorder) Observe(s widget.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.start.IsZero() {
		r.start = s.At
		if r.start.IsZero() {
			r.start = r.now()
		}
	}
	switch s.Kind {
	case probe.KindDownload:
		r.down.add(s)
	case probe.KindUpload:
		r.up.add(s)
	}
}

// Flush closes the current window and stores it. ok is false when the window
// was empty.
func (r *Recorder) Flush(ctx context.Context) (w storage.Window, ok bool, err error) {
	r.mu.Lock()
	if r.start.IsZero() {
		r.mu.Unlock()
		return storage.Window{}, false, nil
	}
	w = storage.Window{
		Start:        r.start,
		End:          r.now(),
		DownloadOK:   r.down.ok,
		DownloadFail: r.down.fail,
		DownloadAvg:  r.down.avg(),
		DownloadMin:  r.down.min,
		DownloadMax:  r.down.max,
		UploadOK:     r.up.ok,
		UploadFail:   r.up.fail,
		UploadAvg:    r.up.avg(),
		UploadMin:    r.up.min,
		UploadMax:    r.up.max,
	}
	r.start, r.down, r.up = time.Time{}, dirAcc{}, dirAcc{}
	if r.store == nil {
		r.mem = append(r.mem, w)
		if len(r.mem) > memoryWindows {
			r.mem = append(r.mem[:0:0], r.mem[len(r.mem)-memoryWindows:]...)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.AppendWindow(ctx, w); err != nil {
			return w, true, err
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeWindow, Time: w.End, Data: w})
	}
	r.log.Debug("window flushed",
		logx.Int("samples", w.Samples()),
		logx.String("download_avg", humanize.Bytes(uint64(w.DownloadAvg))+"/s"),
		logx.String("upload_avg", humanize.Bytes(uint64(w.UploadAvg))+"/s"),
	)
	return w, true, nil
}

// Recent returns up to n windows, newest first.
func (r *Recorder) Recent(ctx context.Context, n int) ([]storage.Window, error) {
	if r.store != nil {
		return r.store.RecentWindows(ctx, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	n = min(n, len(r.mem))
	out := make([]storage.Window, 0, n)
	for i := len(r.mem) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.mem[i])
	}
	return out, nil
}

// Summary aggregates stored windows that ended at or after since.
func (r *Recorder) Summary(ctx context.Context, since time.Time) (Summary, error) {
	windows, err := r.Recent(ctx, math.MaxInt32)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Since: since}
	var downTotal, upTotal float64
	for _, w := range windows {
		if w.End.Before(since) {
			continue
		}
		sum.Windows++
		sum.DownloadFail += w.DownloadFail
		sum.UploadFail += w.UploadFail
		if w.DownloadOK > 0 {
			if sum.DownloadOK == 0 || w.DownloadMin < sum.DownloadMin {
				sum.DownloadMin = w.DownloadMin
			}
			sum.DownloadMax = max(sum.DownloadMax, w.DownloadMax)
			sum.DownloadOK += w.DownloadOK
			downTotal += w.DownloadAvg * float64(w.DownloadOK)
		}
		if w.UploadOK > 0 {
			if sum.UploadOK == 0 || w.UploadMin < sum.UploadMin {
				sum.UploadMin = w.UploadMin
			}
			sum.UploadMax = max(sum.UploadMax, w.UploadMax)
			sum.UploadOK += w.UploadOK
			upTotal += w.UploadAvg * float64(w.UploadOK)
		}
	}
	if sum.DownloadOK > 0 {
		sum.DownloadAvg = downTotal / float64(sum.DownloadOK)
	}
	if sum.UploadOK > 0 {
		sum.UploadAvg = upTotal / float64(sum.UploadOK)
	}
	return sum, nil
}

// Run subscribes to measurement events and flushes a window every
// cfg.Window until ctx is done; the partial window is flushed on exit.
func (r *Recorder) Run(ctx context.Context) error {
	if r.bus == nil {
		return errors.New("history: no event bus")
	}
	events, unsub := r.bus.Subscribe(64, eventbus.TypeDownload, eventbus.TypeUpload)
	defer unsub()

	flush := time.NewTicker(r.cfg.Window)
	defer flush.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	r.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			if _, _, err := r.Flush(fctx); err != nil {
				r.log.Warn("final window flush failed", logx.Err(err))
			}
			cancel()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if s, ok := ev.Data.(widget.Sample); ok {
				r.Observe(s)
			}
		case <-flush.C:
			if _, _, err := r.Flush(ctx); err != nil {
				r.log.Warn("window flush failed", logx.Err(err))
			}
		case <-prune.C:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	if r.store == nil || r.cfg.Retain <= 0 {
		return
	}
	n, err := r.store.Prune(ctx, r.now().Add(-r.cfg.Retain))
	if err != nil {
		r.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("history pruned", logx.Int("removed", n), logx.Duration("retain", r.cfg.Retain))
	}
}
