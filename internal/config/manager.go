// Package config loads, validates, and hot-reloads the bot configuration.
// Files may be JSON or YAML; both go through the same strict decoder.
// Secrets (bot token, admin chat) can ride environment variables instead of
// the file.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sethvargo/go-envconfig"

	logx "dripbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// fp fingerprints the committed config; Watch uses it to skip publishing
	// editor double-writes that did not change content.
	fp uint64

	// subsMu guards subs; sends and closes both happen under it.
	subsMu sync.Mutex
	subs   []chan *Config

	// One pending reload timer at a time.
	timerMu sync.Mutex
	timer   *time.Timer

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch() runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(jb)
	if err != nil {
		return nil, err
	}
	if err := overlayEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown fields and anything after the first document.
func decodeStrict(jb []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return cfg, nil
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
}

// overlayEnv lets BOT_TOKEN and ADMIN_CHAT_ID come from the environment; a
// set variable beats the file value.
func overlayEnv(cfg *Config) error {
	var ov struct {
		Token       string `env:"BOT_TOKEN"`
		AdminChatID int64  `env:"ADMIN_CHAT_ID"`
	}
	if err := envconfig.Process(context.Background(), &ov); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	if v := strings.TrimSpace(ov.Token); v != "" {
		cfg.Telegram.Token = v
	}
	if ov.AdminChatID != 0 {
		cfg.Telegram.AdminChatID = ov.AdminChatID
	}
	return nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.fp = fingerprint(cfg)
	m.mu.Unlock()
}

// fingerprint hashes the marshaled config. 0 means "unhashable, never equal",
// so a config that cannot marshal always republishes.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i], m.subs[last] = m.subs[last], nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

func (m *Manager) publish(cfg *Config) {
	// Sending under subsMu keeps Unsubscribe's close from racing a send.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch != nil && !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest delivers cfg without blocking. A full buffer loses one stale
// entry first; subscribers only ever act on the newest config.
func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// scheduleReload arms (or re-arms) the debounce timer. Editors save in
// bursts; only the file state reloadDebounce after the last event matters.
func (m *Manager) scheduleReload(ctx context.Context) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
	m.timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
}

// reload parses, dedupes, validates, commits, publishes, in that order. Any
// failure keeps the previous config in effect.
func (m *Manager) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Any("err", err))
		return
	}

	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.fp
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Any("err", err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("fp", fmt.Sprintf("%x", fp)))
}

// Watch reloads, validates, and publishes the config whenever the file
// changes. A broken fsnotify watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	backoff := watchBackoffMin
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pause := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Any("err", err), logx.String("dir", dir))
			if !pause() {
				break
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Any("err", err), logx.String("dir", dir))
			if !pause() {
				break
			}
			continue
		}
		backoff = watchBackoffMin
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		restart := m.watchOnce(ctx, w, file)
		_ = w.Close()
		if !restart || ctx.Err() != nil {
			break
		}
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.String("file", file))
		if !pause() {
			break
		}
	}
	return nil
}

// watchOnce consumes one watcher's events until the watcher breaks or ctx
// ends. It reports whether Watch should build a replacement watcher.
func (m *Manager) watchOnce(ctx context.Context, w *fsnotify.Watcher, file string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			// Match by basename; editors often rename-replace the file.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				m.scheduleReload(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			// Overflow means missed events; reload once and keep going.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Any("err", err))
				m.scheduleReload(ctx)
				continue
			}
			m.log.Warn("config watch error", logx.Any("err", err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return true
			}
		}
	}
}
