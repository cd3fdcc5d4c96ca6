package app

import (
	"context"
	"strings"
	"time"

	"dripbot/internal/config"
	"dripbot/pkg/logx"
)

// reloadLoop consumes validated configs from the manager and applies them to
// the running services. Bursts are coalesced; only the newest config matters.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			cfg = drainNewest(sub, cfg)
			a.applyReload(ctx, last, cfg)
			last = cfg
		}
	}
}

func drainNewest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no effective changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	// Some settings only bind at startup.
	if cfg.Storage != prev.Storage {
		a.log.Warn("storage config changed; restart required to take effect")
	}
	if cfg.Telegram.Token != prev.Telegram.Token || cfg.Telegram.PollTimeout != prev.Telegram.PollTimeout {
		a.log.Warn("telegram token/poll_timeout changed; restart required to take effect")
	}

	// Logging first so the steps below already log at the new level.
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	if calCfg, err := mapCalendarConfig(cfg); err != nil {
		a.log.Warn("invalid calendar config; keeping previous", logx.Any("err", err))
	} else {
		a.cal.Apply(calCfg)
	}

	if rtrCfg, err := mapRouterConfig(cfg); err != nil {
		a.log.Warn("invalid router config; keeping previous", logx.Any("err", err))
	} else {
		a.rtr.Apply(rtrCfg)
	}

	wasDispatching := a.disp.Enabled()
	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
	} else {
		a.disp.Apply(dispCfg)
		switch {
		case wasDispatching && !dispCfg.Enabled:
			a.log.Info("dispatch disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !wasDispatching && dispCfg.Enabled:
			a.log.Info("dispatch enabled via config")
			a.disp.Start(ctx)
		}
	}

	if pprofCfg, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Apply(ctx, pprofCfg)
	}

	a.log.Info("config reloaded", fields...)
}
