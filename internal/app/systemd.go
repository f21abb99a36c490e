package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "asyncinterval/pkg/logx"
)

// sdNotifier is the systemd notify socket. It is a no-op outside systemd.
type sdNotifier interface {
	Notify(state string) (bool, error)
	WatchdogInterval() (time.Duration, error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (systemdNotifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

func (a *App) sdNotify(state string) {
	if !a.cfgm.Get().Systemd.Notify {
		return
	}
	sent, err := a.sd.Notify(state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	a.log.Debug("systemd notify", logx.String("state", state), logx.Bool("sent", sent))
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
func (a *App) watchdogLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.sd.Notify(daemon.SdNotifyWatchdog); err != nil {
				a.warn(warnKeyWatchdog, "systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
