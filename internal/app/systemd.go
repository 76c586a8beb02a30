package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func (a *App) sdNotify(state string) {
	if sent, err := daemon.SdNotify(false, state); err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while the bot is healthy,
// so a wedged scheduler gets the unit restarted.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for rtsup.Sleep(ctx, every) {
		if err := a.health(); err != nil {
			a.log.Warn("skipping watchdog ping", logx.Err(err))
			continue
		}
		a.sdNotify(daemon.SdNotifyWatchdog)
	}
}

// staleAfter is how old the scheduler heartbeat may get before health fails.
func staleAfter(poll, firePause, cooldown time.Duration) time.Duration {
	return 3 * max(poll, firePause, cooldown)
}
