package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs, matching
// the dispatch trigger.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs the services could not start (or hot-apply) with.
// It is installed as the Watch() validator so a broken edit never replaces a
// working config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is empty (set it in the file or via BOT_TOKEN)")
	}
	if cfg.Telegram.AdminChatID == 0 {
		return errors.New("telegram.admin_chat_id is empty (set it in the file or via ADMIN_CHAT_ID)")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is empty")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	loc, err := cfg.Dispatch.Location()
	if err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Dispatch.Schedule); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("dispatch.schedule: %w", err)
		}
	}
	if _, err := ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout); err != nil {
		return err
	}
	if cfg.Dispatch.RetryMax < 0 {
		return errors.New("dispatch.retry_max must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec must be >= 0")
	}

	if _, _, err := cfg.Calendar.Window(loc); err != nil {
		return err
	}
	if _, _, err := cfg.Calendar.PublishClock(); err != nil {
		return err
	}
	if _, err := ParseDurationField("calendar.past_tolerance", cfg.Calendar.PastTolerance); err != nil {
		return err
	}

	if cfg.Router.Workers < 0 {
		return errors.New("router.workers must be >= 0")
	}
	if _, err := ParseDurationField("router.command_timeout", cfg.Router.CommandTimeout); err != nil {
		return err
	}

	for name, raw := range map[string]string{
		"pprof.read_timeout":  cfg.Pprof.ReadTimeout,
		"pprof.write_timeout": cfg.Pprof.WriteTimeout,
		"pprof.idle_timeout":  cfg.Pprof.IdleTimeout,
	} {
		if _, err := ParseDurationField(name, raw); err != nil {
			return err
		}
	}
	return nil
}
