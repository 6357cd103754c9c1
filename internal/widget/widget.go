// Package widget keeps the current download/upload readout fresh by running
// the two probes on independent timers.
//
// Each probe writes only its own value. A failed run resets that value to
// zero; the failure is logged and never surfaces as an error state.
package widget

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"netpulse/internal/eventbus"
	"netpulse/internal/probe"
	"netpulse/internal/runtime/supervisor"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/speedunit"
)

const (
	DefaultInterval = time.Second

	OverlapAllow = "allow"
	OverlapSkip  = "skip"

	// Failure log sampling: a short burst, then one line per window.
	failureLogEvery = 30 * time.Second
	failureLogBurst = 3
)

// Config controls the timers.
type Config struct {
	Interval time.Duration
	// Overlap is OverlapAllow (a slow probe may still run when the next tick
	// fires) or OverlapSkip (that tick is skipped).
	Overlap string
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Overlap != OverlapSkip {
		c.Overlap = OverlapAllow
	}
	return c
}

// PanicError wraps a value recovered from a panicking probe.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("probe panicked: %v", e.Value) }

type Option func(*Widget)

// WithBus publishes every completed measurement as a Sample.
func WithBus(b eventbus.Bus) Option { return func(w *Widget) { w.bus = b } }

// WithSupervisor runs the timer loops as named supervised goroutines.
func WithSupervisor(s *supervisor.Supervisor) Option { return func(w *Widget) { w.sup = s } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(w *Widget) {
		if now != nil {
			w.now = now
		}
	}
}

type slot struct {
	kind   probe.Kind
	event  string
	prober probe.Prober

	inflight  atomic.Int32
	runs      atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64

	// guarded by Widget.mu
	bps        float64
	lastErr    string
	lastOK     time.Time
	failing    int
	suppressed int
	limiter    *rate.Limiter
}

type Widget struct {
	log logx.Logger
	bus eventbus.Bus
	sup *supervisor.Supervisor
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	down, up  *slot
	updatedAt time.Time
	active    bool
	parent    context.Context
	cancel    context.CancelFunc
	// gen is bumped on every Deactivate; results from an older generation
	// are discarded.
	gen uint64
}

// New builds an inactive widget. A nil prober disables that direction; its
// value stays at zero.
func New(cfg Config, download, upload probe.Prober, log logx.Logger, opts ...Option) *Widget {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Widget{
		log:  log,
		now:  time.Now,
		cfg:  cfg.normalized(),
		down: newSlot(probe.KindDownload, eventbus.TypeDownload, download),
		up:   newSlot(probe.KindUpload, eventbus.TypeUpload, upload),
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	return w
}

func newSlot(kind probe.Kind, event string, p probe.Prober) *slot {
	return &slot{
		kind:    kind,
		event:   event,
		prober:  p,
		limiter: rate.NewLimiter(rate.Every(failureLogEvery), failureLogBurst),
	}
}

// Activate starts both timers. Probe requests use ctx (not the timer
// lifetime), so Deactivate does not abort them. Calling Activate on an
// active widget is a no-op.
func (w *Widget) Activate(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return
	}
	w.activateLocked(ctx)
}

func (w *Widget) activateLocked(ctx context.Context) {
	timerCtx, cancel := context.WithCancel(ctx)
	w.parent, w.cancel, w.active = ctx, cancel, true
	gen, cfg := w.gen, w.cfg

	for _, s := range []*slot{w.down, w.up} {
		if s.prober == nil {
			continue
		}
		s, p := s, s.prober
		loop := func(supCtx context.Context) {
			w.tickLoop(supCtx, timerCtx, ctx, s, p, gen, cfg)
		}
		name := "widget." + string(s.kind)
		if w.sup != nil {
			w.sup.Go0(name, loop)
		} else {
			go loop(timerCtx)
		}
	}
	w.log.Info("widget activated",
		logx.Duration("interval", cfg.Interval),
		logx.String("overlap", cfg.Overlap),
		logx.Bool("download", w.down.prober != nil),
		logx.Bool("upload", w.up.prober != nil),
	)
}

// Deactivate cancels both timers together. In-flight probes finish but
// their results are dropped.
func (w *Widget) Deactivate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deactivateLocked() {
		w.log.Info("widget deactivated")
	}
}

func (w *Widget) deactivateLocked() bool {
	if !w.active {
		return false
	}
	w.cancel()
	w.cancel, w.parent, w.active = nil, nil, false
	w.gen++
	return true
}

func (w *Widget) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Reconfigure swaps timer settings and probes. An active widget restarts its
// timers; stored values are kept, except that a disabled direction drops to
// zero.
func (w *Widget) Reconfigure(cfg Config, download, upload probe.Prober) {
	w.mu.Lock()
	defer w.mu.Unlock()

	parent, wasActive := w.parent, w.active
	w.deactivateLocked()
	w.cfg = cfg.normalized()
	w.down.prober, w.up.prober = download, upload
	if download == nil {
		w.down.bps = 0
	}
	if upload == nil {
		w.up.bps = 0
	}
	if wasActive && parent != nil && parent.Err() == nil {
		w.activateLocked(parent)
	}
}

// Readout returns the current render model.
func (w *Widget) Readout() Readout {
	w.mu.Lock()
	defer w.mu.Unlock()
	return newReadout(w.down.bps, w.up.bps, w.updatedAt)
}

func (w *Widget) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Active:   w.active,
		Interval: w.cfg.Interval,
		Overlap:  w.cfg.Overlap,
		Download: w.down.statsLocked(),
		Upload:   w.up.statsLocked(),
	}
}

func (s *slot) statsLocked() ProbeStats {
	return ProbeStats{
		Enabled:   s.prober != nil,
		Runs:      s.runs.Load(),
		Failures:  s.failures.Load(),
		Skipped:   s.skipped.Load(),
		Discarded: s.discarded.Load(),
		InFlight:  s.inflight.Load(),
		LastError: s.lastErr,
		LastOK:    s.lastOK,
	}
}

// MeasureOnce runs each enabled probe once, concurrently, applies the
// results and returns the resulting readout. It works whether or not the
// widget is active.
func (w *Widget) MeasureOnce(ctx context.Context) Readout {
	type job struct {
		s *slot
		p probe.Prober
	}
	w.mu.Lock()
	gen := w.gen
	jobs := make([]job, 0, 2)
	for _, s := range []*slot{w.down, w.up} {
		if s.prober != nil {
			jobs = append(jobs, job{s: s, p: s.prober})
		}
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.measure(ctx, j.s, j.p, gen)
		}()
	}
	wg.Wait()
	return w.Readout()
}

func (w *Widget) tickLoop(supCtx, timerCtx, reqCtx context.Context, s *slot, p probe.Prober, gen uint64, cfg Config) {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-supCtx.Done():
			return
		case <-timerCtx.Done():
			return
		case <-t.C:
			if cfg.Overlap == OverlapSkip && s.inflight.Load() > 0 {
				s.skipped.Add(1)
				w.log.Debug("probe still running; tick skipped", logx.String("probe", string(s.kind)))
				continue
			}
			go w.measure(reqCtx, s, p, gen)
		}
	}
}

func (w *Widget) measure(ctx context.Context, s *slot, p probe.Prober, gen uint64) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	s.runs.Add(1)

	m, err := safeMeasure(ctx, p)
	at := w.now()

	sample := Sample{Kind: s.kind, At: at}
	if err == nil {
		sample.OK = true
		sample.BytesPerSec = m.BytesPerSec
		sample.Bytes = m.Bytes
		sample.Elapsed = m.Elapsed
	} else {
		s.failures.Add(1)
		sample.Error = err.Error()
	}
	sample.Speed = speedunit.Convert(sample.BytesPerSec)

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		s.discarded.Add(1)
		w.log.Debug("result discarded after deactivation", logx.String("probe", string(s.kind)))
		return
	}
	s.bps = sample.BytesPerSec
	w.updatedAt = at
	logFn := w.noteResultLocked(s, err, at)
	w.mu.Unlock()

	if logFn != nil {
		logFn()
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: s.event, Time: at, Data: sample})
	}
}

// noteResultLocked updates failure bookkeeping and returns the log line to
// emit (outside the lock), if any.
func (w *Widget) noteResultLocked(s *slot, err error, at time.Time) func() {
	name := logx.String("probe", string(s.kind))
	if err == nil {
		s.lastErr = ""
		s.lastOK = at
		if s.failing == 0 {
			return nil
		}
		failed := s.failing
		s.failing, s.suppressed = 0, 0
		return func() { w.log.Info("probe recovered", name, logx.Int("failures", failed)) }
	}

	s.failing++
	s.lastErr = err.Error()
	if !s.limiter.AllowN(at, 1) {
		s.suppressed++
		return nil
	}
	suppressed := s.suppressed
	s.suppressed = 0
	fields := []logx.Field{name, logx.Int("consecutive", s.failing)}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Any("value", pe.Value), logx.Stack(string(pe.Stack)))
		return func() { w.log.Error("probe failed with unknown error", fields...) }
	}
	fields = append(fields, logx.Err(err))
	return func() { w.log.Error("probe failed", fields...) }
}

func safeMeasure(ctx context.Context, p probe.Prober) (m probe.Measurement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Measure(ctx)
}
