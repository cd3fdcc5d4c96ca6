package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/pkg/logx"
)

// notifyReadiness tells systemd the bot is up and keeps the watchdog fed when
// one is configured. Outside systemd both calls are no-ops.
func notifyReadiness(sup *rtsup.Supervisor, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Any("err", err))
	} else if ok {
		log.Debug("sd_notify: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog detection failed", logx.Any("err", err))
		return
	}
	if interval <= 0 {
		return
	}

	sup.Go0("sd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	log.Info("systemd watchdog armed", logx.Duration("interval", interval))
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Any("err", err))
	}
}
