package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `telegram:
  token: "123:abc"
  admin_chat_id: 42
  poll_timeout: "10s"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: "./dripbot.db"
calendar:
  window_start: "2025-12-01"
  window_end: "2025-12-24"
  publish_at: "19:00"
dispatch:
  enabled: true
  schedule: "* * * * *"
  timezone: "UTC"
  send_timeout: "10s"
  retry_max: 2
  rate_per_sec: 10
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.AdminChatID != 42 {
		t.Fatalf("admin_chat_id %d", cfg.Telegram.AdminChatID)
	}
	if !cfg.Dispatch.Enabled || cfg.Dispatch.Schedule != "* * * * *" {
		t.Fatalf("dispatch %+v", cfg.Dispatch)
	}
	if cfg.Calendar.WindowStart != "2025-12-01" {
		t.Fatalf("window_start %q", cfg.Calendar.WindowStart)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	t.Setenv("BOT_TOKEN", "999:env")
	t.Setenv("ADMIN_CHAT_ID", "777")

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token %q, want env value", cfg.Telegram.Token)
	}
	if cfg.Telegram.AdminChatID != 777 {
		t.Fatalf("admin_chat_id %d, want env value", cfg.Telegram.AdminChatID)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	body := strings.Replace(validYAML, "dispatch:", "dispach:", 1)
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Load(); err == nil {
		t.Fatalf("misspelled section accepted")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "123:abc", AdminChatID: 42, PollTimeout: "10s"},
			Storage:  StorageConfig{Path: "./dripbot.db"},
			Calendar: CalendarConfig{WindowStart: "2025-12-01", WindowEnd: "2025-12-24", PublishAt: "19:00"},
			Dispatch: DispatchConfig{Enabled: true, Schedule: "* * * * *", Timezone: "UTC", SendTimeout: "10s", RetryMax: 2},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"seconds cron accepted", func(c *Config) { c.Dispatch.Schedule = "*/30 * * * * *" }, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"missing admin", func(c *Config) { c.Telegram.AdminChatID = 0 }, "admin_chat_id"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad cron", func(c *Config) { c.Dispatch.Schedule = "every minute" }, "dispatch.schedule"},
		{"bad timezone", func(c *Config) { c.Dispatch.Timezone = "Mars/Olympus" }, "dispatch.timezone"},
		{"inverted window", func(c *Config) { c.Calendar.WindowStart, c.Calendar.WindowEnd = c.Calendar.WindowEnd, c.Calendar.WindowStart }, "window"},
		{"bad publish_at", func(c *Config) { c.Calendar.PublishAt = "25:99" }, "publish_at"},
		{"negative retry", func(c *Config) { c.Dispatch.RetryMax = -1 }, "retry_max"},
		{"bad duration", func(c *Config) { c.Dispatch.SendTimeout = "ten seconds" }, "send_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeChangeNamesSections(t *testing.T) {
	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "123:abc", AdminChatID: 42},
		Logging:  LoggingConfig{Level: "debug"},
		Dispatch: DispatchConfig{Schedule: "* * * * *"},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "123:abc", AdminChatID: 42},
		Logging:  LoggingConfig{Level: "info"},
		Dispatch: DispatchConfig{Schedule: "*/5 * * * *"},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "dispatch" || changed[1] != "logging" {
		t.Fatalf("changed %v, want [dispatch logging]", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs for changed sections")
	}

	changed, _ = SummarizeChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported as changed: %v", changed)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	t.Setenv("BOT_TOKEN", "") // the empty-token edit below must not be masked

	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// A broken edit is rejected by the validator and never published.
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Telegram)
	case <-time.After(700 * time.Millisecond):
	}

	// A valid edit flows through.
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, `level: "debug"`, `level: "info"`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "info" {
			t.Fatalf("published level %q, want info", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("config change never published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
