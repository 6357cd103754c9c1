// Package systemd reports service state to systemd via sd_notify.
// Outside systemd (no NOTIFY_SOCKET) every call is a cheap no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "netpulse/pkg/logx"
)

// Notifier sends sd_notify states.
type Notifier struct {
	enabled bool
	log     logx.Logger
	send    func(unsetEnv bool, state string) (bool, error)
	// watchdog reports the WatchdogSec interval (0 when disabled).
	watchdog func() (time.Duration, error)
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log,
		send:     daemon.SdNotify,
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by `systemctl status`.
func (n *Notifier) Status(s string) { n.notify("STATUS=" + s) }

// RunWatchdog pings the systemd watchdog at half of WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not configured.
func (n *Notifier) RunWatchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	every, err := n.watchdog()
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
