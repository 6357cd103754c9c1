package schedule

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "netpulse/pkg/logx"
)

// Job is the unit of work triggered by a Scheduler.
type Job func(ctx context.Context) error

// Options configure a single scheduled job.
type Options struct {
	Name     string
	Spec     ParsedSpec
	Timezone string
	// Timeout bounds one run. Zero means no per-run timeout.
	Timeout time.Duration
	// Spread delays the first interval run by a random jitter (capped at 30s)
	// so several instances started together do not fire in lockstep.
	Spread bool
}

// Scheduler triggers one job on a cron or interval schedule. A run that is
// still in progress when the next trigger fires is skipped.
type Scheduler struct {
	log logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	cancel context.CancelFunc

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

func New(log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{log: log}
}

// Start registers job and starts triggering. Calling Start on a running
// Scheduler returns an error; Stop it first.
func (s *Scheduler) Start(ctx context.Context, opts Options, job Job) error {
	if job == nil {
		return errors.New("schedule: nil job")
	}
	if opts.Spec.IsZero() {
		return errors.New("schedule: empty schedule")
	}
	loc := time.Local
	if tz := strings.TrimSpace(opts.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule: timezone %q: %w", tz, err)
		}
		loc = l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("schedule: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	run := cron.FuncJob(func() { s.runOnce(runCtx, opts, job) })

	var id cron.EntryID
	switch opts.Spec.Kind {
	case SpecInterval:
		sched := cron.Schedule(cron.Every(opts.Spec.Every))
		if opts.Spread {
			var jitter time.Duration
			sched, jitter = intervalWithSpread(opts.Spec.Every, time.Now().In(loc), opts.Name)
			s.log.Debug("startup spread", logx.String("job", opts.Name), logx.Duration("jitter", jitter))
		}
		id = c.Schedule(sched, run)
	default:
		var err error
		id, err = c.AddJob(opts.Spec.Cron, run)
		if err != nil {
			cancel()
			return fmt.Errorf("schedule: %w", err)
		}
	}

	s.c, s.entry, s.cancel = c, id, cancel
	c.Start()
	s.log.Info("schedule started",
		logx.String("job", opts.Name),
		logx.String("spec", opts.Spec.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, opts Options, job Job) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("previous run still in progress; skipping", logx.String("job", opts.Name))
		return
	}
	defer s.running.Store(false)

	jctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	s.runs.Add(1)
	if err := job(jctx); err != nil {
		s.log.Warn("scheduled run failed", logx.String("job", opts.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled run done", logx.String("job", opts.Name), logx.Duration("took", time.Since(start)))
}

// Next returns the next trigger time, or zero when not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stats returns the number of started and skipped runs.
func (s *Scheduler) Stats() (runs, skipped uint64) {
	return s.runs.Load(), s.skipped.Load()
}

// Stop stops triggering, cancels an in-flight run and waits for it to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule overrides the first run time and then delegates to base.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

// cronLogger adapts logx to cron.Logger (used by the Recover wrapper).
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
