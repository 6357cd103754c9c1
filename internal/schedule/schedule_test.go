package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		source string
	}{
		{"*/30 * * * *", SpecCron, 0, "cron"},
		{"0 0 */6 * * *", SpecCron, 0, "cron"},
		{"@hourly", SpecCron, 0, "cron"},
		{"cron:@daily", SpecCron, 0, "cron"},
		{"30m", SpecInterval, 30 * time.Minute, "duration"},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, "hhmm"},
		{"every:00:50", SpecInterval, 50 * time.Minute, "hhmm"},
		{"interval: 2h", SpecInterval, 2 * time.Hour, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.every, got.Every)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestParseScheduleErrors(t *testing.T) {
	for _, in := range []string{"", "whenever", "-5m", "00:00", "01:75", "cron:", "* * *", "interval:soon"} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, in)
	}
}

func TestSchedulerRunsIntervalJob(t *testing.T) {
	s := New(testLogger(t))
	var n atomic.Int32
	spec, err := ParseSchedule("1s")
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background(), Options{Name: "tick", Spec: spec}, func(ctx context.Context) error {
		n.Add(1)
		return nil
	}))
	defer s.Stop(context.Background())

	assert.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	err = s.Start(context.Background(), Options{Name: "tick", Spec: spec}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := New(testLogger(t))
	spec, _ := ParseSchedule("1s")
	release := make(chan struct{})

	require.NoError(t, s.Start(context.Background(), Options{Name: "slow", Spec: spec}, func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	require.Eventually(t, func() bool {
		_, skipped := s.Stats()
		return skipped >= 1
	}, 4*time.Second, 20*time.Millisecond)
	runs, _ := s.Stats()
	assert.Equal(t, uint64(1), runs)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, s.Next().IsZero())
}

func TestSchedulerRejectsBadInput(t *testing.T) {
	s := New(testLogger(t))
	assert.Error(t, s.Start(context.Background(), Options{}, func(context.Context) error { return nil }))
	spec, _ := ParseSchedule("1m")
	assert.Error(t, s.Start(context.Background(), Options{Spec: spec}, nil))
	assert.Error(t, s.Start(context.Background(), Options{Spec: spec, Timezone: "Mars/Olympus"}, func(context.Context) error { return nil }))
}

func TestStartupSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "speedtest")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, maxStartupSpread)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Truncate(time.Second).Add(time.Minute), sched.Next(first))
}
