package app

import (
	"dripbot/internal/calendar"
	"dripbot/internal/config"
	"dripbot/internal/dispatch"
	"dripbot/internal/observability/pprof"
	"dripbot/internal/router"
	"dripbot/internal/storage"
)

// The file config keeps durations and dates as strings; these helpers turn
// each section into the typed config its service takes. They are also run by
// the reload path, so every one of them must reject rather than guess.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapCalendarConfig(cfg *config.Config) (calendar.Config, error) {
	loc, err := cfg.Dispatch.Location()
	if err != nil {
		return calendar.Config{}, err
	}
	start, end, err := cfg.Calendar.Window(loc)
	if err != nil {
		return calendar.Config{}, err
	}
	hour, minute, err := cfg.Calendar.PublishClock()
	if err != nil {
		return calendar.Config{}, err
	}
	tol, err := config.ParseDurationField("calendar.past_tolerance", cfg.Calendar.PastTolerance)
	if err != nil {
		return calendar.Config{}, err
	}
	return calendar.Config{
		WindowStart:   start,
		WindowEnd:     end,
		PublishHour:   hour,
		PublishMinute: minute,
		PastTolerance: tol,
		Location:      loc,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:     cfg.Dispatch.Enabled,
		Schedule:    cfg.Dispatch.Schedule,
		Timezone:    cfg.Dispatch.Timezone,
		SendTimeout: sendTimeout,
		RetryMax:    cfg.Dispatch.RetryMax,
		RatePerSec:  cfg.Dispatch.RatePerSec,
	}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	cmdTimeout, err := config.ParseDurationField("router.command_timeout", cfg.Router.CommandTimeout)
	if err != nil {
		return router.Config{}, err
	}
	loc, err := cfg.Dispatch.Location()
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		AdminChatID:    cfg.Telegram.AdminChatID,
		Workers:        cfg.Router.Workers,
		CommandTimeout: cmdTimeout,
		Location:       loc,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
