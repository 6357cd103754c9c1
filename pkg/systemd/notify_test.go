package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "netpulse/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNotifierStates(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(true, logx.Nop())
	n.send = rec.send

	n.Ready()
	n.Status("↓ 5.00 Mbps  ↑ 1.20 Kbps")
	n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=↓ 5.00 Mbps  ↑ 1.20 Kbps", "STOPPING=1"}, rec.got())
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(false, logx.Nop())
	n.send = rec.send
	n.Ready()
	require.NoError(t, n.RunWatchdog(context.Background()))
	assert.Empty(t, rec.got())

	var nilNotifier *Notifier
	nilNotifier.Ready()
}

func TestWatchdog(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(true, logx.Nop())
	n.send = rec.send
	n.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx) }()

	require.Eventually(t, func() bool { return len(rec.got()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "WATCHDOG=1", rec.got()[0])

	n.watchdog = func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") }
	assert.Error(t, n.RunWatchdog(context.Background()))
}
