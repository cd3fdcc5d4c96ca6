package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON or YAML). All durations are Go
// duration strings (e.g. "500ms", "10s", "1m"); dates are "2006-01-02" in the
// dispatch timezone.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Calendar CalendarConfig `json:"calendar"`
	Dispatch DispatchConfig `json:"dispatch"`
	Router   RouterConfig   `json:"router,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the BOT_TOKEN
	// environment variable instead (the env always wins).
	Token string `json:"token"`

	// AdminChatID is the single chat allowed to manage the calendar.
	// Overridable via ADMIN_CHAT_ID.
	AdminChatID int64 `json:"admin_chat_id"`

	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CalendarConfig bounds the plannable window and fixes the default time of
// day for auto-picked slots.
type CalendarConfig struct {
	WindowStart string `json:"window_start"` // "2006-01-02"
	WindowEnd   string `json:"window_end"`   // "2006-01-02", inclusive

	// PublishAt is the "HH:MM" auto-picked slots get (default "19:00").
	PublishAt string `json:"publish_at,omitempty"`

	// PastTolerance accepts slightly-past slots on enqueue (default "1m").
	PastTolerance string `json:"past_tolerance,omitempty"`
}

type DispatchConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron spec for the delivery pass (default every minute).
	// Both 5-field and 6-field (with seconds) specs are accepted.
	Schedule string `json:"schedule,omitempty"`

	// Timezone anchors the cron trigger, the calendar window, and slot
	// parsing (default "Local").
	Timezone string `json:"timezone,omitempty"`

	// SendTimeout bounds one copy attempt to one recipient (default "10s").
	SendTimeout string `json:"send_timeout,omitempty"`

	// RetryMax is extra attempts after a transient send failure (default 2).
	RetryMax   int `json:"retry_max,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server. Bind it to loopback
// ("127.0.0.1:6060") unless a token is set; a non-loopback bind without one
// needs allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // bearer token; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (off) so long CPU profiles are not cut
	// short mid-response.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Window parses the calendar bounds as midnight dates in loc.
func (c CalendarConfig) Window(loc *time.Location) (start, end time.Time, err error) {
	start, err = time.ParseInLocation("2006-01-02", strings.TrimSpace(c.WindowStart), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar.window_start: %w", err)
	}
	end, err = time.ParseInLocation("2006-01-02", strings.TrimSpace(c.WindowEnd), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar.window_end: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar window ends (%s) before it starts (%s)", c.WindowEnd, c.WindowStart)
	}
	return start, end, nil
}

// PublishClock parses PublishAt as an "HH:MM" wall-clock time.
func (c CalendarConfig) PublishClock() (hour, minute int, err error) {
	raw := strings.TrimSpace(c.PublishAt)
	if raw == "" {
		return 19, 0, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("calendar.publish_at: %q is not HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err == nil {
		minute, err = strconv.Atoi(parts[1])
	}
	if err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("calendar.publish_at: %q is not a valid wall-clock time", raw)
	}
	return hour, minute, nil
}

// Location resolves the dispatch timezone ("" or "Local" mean time.Local).
func (c DispatchConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("dispatch.timezone: %w", err)
	}
	return loc, nil
}
