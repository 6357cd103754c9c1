package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netpulse/internal/config"
	"netpulse/internal/eventbus"
	"netpulse/internal/history"
	"netpulse/internal/observability/status"
	"netpulse/internal/render"
	"netpulse/internal/runtime/supervisor"
	"netpulse/internal/schedule"
	"netpulse/internal/storage"
	"netpulse/internal/widget"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/speedtest"
	"netpulse/pkg/systemd"
)

const (
	// recentSpeedtests is how many runs are kept in memory without a store.
	recentSpeedtests = 20
	statusEvery      = 10 * time.Second
)

// Options configure New.
type Options struct {
	ConfigPath string
	// Mode overrides render.mode when set.
	Mode string
	// Out receives line output. Defaults to os.Stdout.
	Out io.Writer
	// Once means only MeasureOnce will run: no renderer takes the terminal.
	Once bool
}

type App struct {
	opts Options
	mode string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	notify *systemd.Notifier
	status *status.Service
	sched  *schedule.Scheduler

	sup      *supervisor.Supervisor
	store    storage.Store
	widget   *widget.Widget
	renderer render.Renderer
	recorder *history.Recorder

	started time.Time

	mu       sync.Mutex
	settings config.Settings
	tests    []storage.SpeedtestRecord

	quit atomic.Bool
}

func New(opts Options) (*App, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	cfgm := config.NewManager(opts.ConfigPath)
	_, s, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", opts.ConfigPath, err)
	}

	modeRaw := s.Render.Mode
	if strings.TrimSpace(opts.Mode) != "" {
		modeRaw = opts.Mode
	}
	mode := render.ResolveMode(modeRaw, opts.Out)

	logSvc, log := logx.New(mapLogConfig(s.Logging, tuiOwnsTerminal(mode, opts.Once)))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts:     opts,
		mode:     mode,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		notify:   systemd.NewNotifier(s.Notify, log.With(logx.String("comp", "systemd"))),
		sched:    schedule.New(log.With(logx.String("comp", "schedule"))),
		settings: s,
	}
	return a, nil
}

// Mode is the resolved render mode.
func (a *App) Mode() string { return a.mode }

// tuiOwnsTerminal reports whether a TUI will draw on the terminal. A -once
// run never opens one, whatever the mode resolves to.
func tuiOwnsTerminal(mode string, once bool) bool { return mode == render.ModeTUI && !once }

// Done is closed when the app supervisor context is canceled (fatal error,
// user quit or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// QuitRequested reports whether the user asked the TUI to quit.
func (a *App) QuitRequested() bool { return a.quit.Load() }

func (a *App) current() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// MeasureOnce takes one measurement of each enabled probe without starting
// any background work.
func (a *App) MeasureOnce(ctx context.Context) widget.Readout {
	s := a.current()
	down, up := mapProbes(s.Probes)
	w := widget.New(mapWidgetConfig(s.Probes), down, up, a.log.With(logx.String("comp", "widget")))
	return w.MeasureOnce(ctx)
}

func (a *App) Start(ctx context.Context) error {
	s := a.current()
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	store, err := storage.Open(mapStorageConfig(s.Storage), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.store = store
	if store != nil {
		a.log.Info("storage enabled", logx.String("driver", s.Storage.Driver), logx.String("path", s.Storage.Path))
	}

	down, up := mapProbes(s.Probes)
	a.widget = widget.New(mapWidgetConfig(s.Probes), down, up,
		a.log.With(logx.String("comp", "widget")),
		widget.WithBus(a.bus),
		widget.WithSupervisor(a.sup),
	)

	r, err := render.Open(a.mode, render.Options{
		Out:    a.opts.Out,
		OnQuit: a.requestQuit,
		Log:    a.log.With(logx.String("comp", "render")),
	})
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.renderer = r
	refresh := s.Render.Refresh
	a.sup.Go0("render", func(c context.Context) {
		render.Loop(c, r, a.widget.Readout, a.bus, refresh)
	})

	if s.History.Enabled {
		a.recorder = history.New(mapHistoryConfig(s.History), store, a.bus, a.log.With(logx.String("comp", "history")))
		a.sup.Go("history", a.recorder.Run)
	}

	a.widget.Activate(a.sup.Context())

	if s.Speedtest.Enabled {
		a.startSpeedtest(a.sup.Context(), s.Speedtest)
	}

	a.status = status.New(mapStatusConfig(s.Status), a.statusSources(), a.log)
	a.status.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(64, eventbus.TypeWindow, eventbus.TypeSpeedtest, eventbus.TypeConfig)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", a.notify.RunWatchdog)
	a.sup.Go0("systemd.status", func(c context.Context) {
		t := time.NewTicker(statusEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.notify.Status(a.widget.Readout().String())
			}
		}
	})
	a.notify.Ready()

	a.log.Info("app started",
		logx.String("render", a.mode),
		logx.Bool("history", s.History.Enabled),
		logx.Bool("speedtest", s.Speedtest.Enabled),
		logx.Bool("status", s.Status.Enabled),
	)
	return nil
}

func (a *App) requestQuit() {
	if a.quit.CompareAndSwap(false, true) {
		a.log.Info("quit requested")
		if a.sup != nil {
			a.sup.Cancel()
		}
	}
}

func (a *App) statusSources() status.Sources {
	src := status.Sources{
		Widget:        a.widget,
		Speedtests:    a.recentSpeedtests,
		Runtime:       a.sup.Snapshot,
		EventsDropped: func() uint64 { return eventbus.Dropped(a.bus) },
	}
	if a.recorder != nil {
		src.History = a.recorder
	}
	return src
}

func (a *App) startSpeedtest(ctx context.Context, s config.SpeedtestSettings) {
	if err := a.sched.Start(ctx, mapScheduleOptions(s), a.speedtestJob(mapRunConfig(s))); err != nil {
		a.log.Warn("speedtest schedule not started", logx.Err(err))
	}
}

func (a *App) speedtestJob(cfg speedtest.RunConfig) schedule.Job {
	runner := speedtest.NewRunner(cfg,
		speedtest.WithLogger(a.log.With(logx.String("comp", "speedtest"))),
		speedtest.WithSpawner(speedtest.SpawnerFunc(func(name string, fn func()) {
			a.sup.Go0(name, func(context.Context) { fn() })
		})),
	)
	return func(ctx context.Context) error {
		res, err := runner.Run(ctx)
		rec := speedtestRecord(uuid.NewString(), res, err, time.Now())
		a.keepSpeedtest(ctx, rec)
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeSpeedtest, Time: rec.At, Data: rec})
		if err != nil {
			return err
		}
		a.log.Info("speedtest done",
			logx.String("id", rec.ID),
			logx.Float64("download_mbps", rec.DownloadMbps),
			logx.Float64("upload_mbps", rec.UploadMbps),
			logx.Float64("ping_ms", rec.PingMs),
			logx.String("server", rec.Server),
			logx.Duration("took", rec.Duration),
		)
		return nil
	}
}

func (a *App) keepSpeedtest(ctx context.Context, rec storage.SpeedtestRecord) {
	if a.store != nil {
		if err := a.store.AppendSpeedtest(context.WithoutCancel(ctx), rec); err != nil {
			a.log.Warn("speedtest not stored", logx.String("id", rec.ID), logx.Err(err))
		}
		return
	}
	a.mu.Lock()
	a.tests = append(a.tests, rec)
	if over := len(a.tests) - recentSpeedtests; over > 0 {
		a.tests = append(a.tests[:0], a.tests[over:]...)
	}
	a.mu.Unlock()
}

// recentSpeedtests returns up to n runs, newest first.
func (a *App) recentSpeedtests(ctx context.Context, n int) ([]storage.SpeedtestRecord, error) {
	if a.store != nil {
		return a.store.RecentSpeedtests(ctx, n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]storage.SpeedtestRecord, 0, min(n, len(a.tests)))
	for i := len(a.tests) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.tests[i])
	}
	return out, nil
}

// startReload fans validated config updates out to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied, _ := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer, ok := <-sub:
						if !ok {
							return
						}
						u = newer
					default:
						drained = true
					}
				}
				sections, attrs := config.SummarizeChange(lastApplied, u.Config)
				lastApplied = u.Config
				a.apply(c, sections, u.Settings)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
				a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfig, Time: time.Now(), Data: sections})
			}
		}
	})
}

func (a *App) apply(ctx context.Context, sections []string, s config.Settings) {
	a.mu.Lock()
	prev := a.settings
	a.settings = s
	a.mu.Unlock()

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(mapLogConfig(s.Logging, tuiOwnsTerminal(a.mode, a.opts.Once)))
		case "probes":
			down, up := mapProbes(s.Probes)
			a.widget.Reconfigure(mapWidgetConfig(s.Probes), down, up)
		case "speedtest":
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			if s.Speedtest.Enabled {
				a.startSpeedtest(ctx, s.Speedtest)
			} else if prev.Speedtest.Enabled {
				a.log.Info("speedtest disabled via config")
			}
		case "status":
			a.status.Reconfigure(ctx, mapStatusConfig(s.Status))
		case "render", "storage", "history", "systemd":
			a.log.Warn(sec + " config changed; restart required for changes to take effect")
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, record when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("widget", 500*time.Millisecond, func(context.Context) error {
		if a.widget != nil {
			a.widget.Deactivate()
		}
		return nil
	})
	step("speedtest", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("status", 1*time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})

	// The recorder flushes its partial window on exit, so wait for it before
	// closing storage.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("render", 1*time.Second, func(context.Context) error {
		if a.renderer != nil {
			return a.renderer.Close()
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
