// Package app wires the bot together: config, logging, storage, the three
// stores, the dispatcher, the command router, the Telegram transport and the
// optional debug server.
package app

import (
	"context"
	"fmt"
	"time"

	"dripbot/internal/calendar"
	"dripbot/internal/config"
	"dripbot/internal/dispatch"
	"dripbot/internal/eventbus"
	"dripbot/internal/ledger"
	"dripbot/internal/observability/pprof"
	"dripbot/internal/roster"
	"dripbot/internal/router"
	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	telegram "dripbot/internal/transport/telegram/adapter"
	"dripbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store *storage.DB

	adapter kit.Adapter
	cal     *calendar.Store
	led     *ledger.Ledger
	ros     *roster.Registry
	disp    *dispatch.Service
	rtr     *router.Router
	pprof   *pprof.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	bus := eventbus.New()

	calCfg, err := mapCalendarConfig(cfg)
	if err != nil {
		return nil, err
	}
	cal := calendar.New(store.SQL(), calCfg, logs.Logger().With(logx.String("comp", "calendar")))
	led := ledger.New(store.SQL(), logs.Logger().With(logx.String("comp", "ledger")))
	ros := roster.New(store.SQL(), logs.Logger().With(logx.String("comp", "roster")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, cal, led, ros, ad, logs.Logger().With(logx.String("comp", "dispatch")), bus)

	rtrCfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	rtr := router.New(rtrCfg, ad, router.Services{Calendar: cal, Roster: ros, Ledger: led},
		logs.Logger().With(logx.String("comp", "router")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		cal:     cal,
		led:     led,
		ros:     ros,
		disp:    disp,
		rtr:     rtr,
		pprof:   pprof.New(pprofCfg, logs.Logger()),
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app's root context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are transactional: the watcher validates before committing.
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// The command menu is cosmetic; a failure only costs autocomplete.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := mu.UpdateMenuCommands(menuCtx, a.rtr.Commands()); err != nil {
			a.log.Warn("command menu update failed", logx.Any("err", err))
		}
		cancel()
	}

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	a.pprof.Start(a.sup.Context())

	a.sup.Go("router.run", func(c context.Context) error {
		return a.rtr.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReadiness(a.sup, a.log)

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("shutting down", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Cancel first so background loops start unwinding while the ordered
	// steps below run.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()

		done := make(chan error, 1)
		go func() {
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				done <- err
			}()
			err = fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step failed", logx.String("name", name), logx.Any("err", err))
				return
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step timed out (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Intake first so no new work arrives, then the dispatcher (a pass cut
	// short re-delivers in full next start), then the rest.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
