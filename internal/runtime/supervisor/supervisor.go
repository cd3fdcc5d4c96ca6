// Package supervisor runs named goroutines under a shared context. It
// recovers panics, records the first failure, optionally cancels the whole
// group on that failure, and can restart crash-prone loops with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"dripbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first goroutine failure (error or panic)
// cancel the whole group.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the group context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure recorded by the group, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// fail records err as the group failure (first one wins) and cancels the
// group when configured to.
func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// run invokes fn under the group context with panic capture.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil return other than context.Canceled counts as a
// group failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("worker started", logx.String("name", name))
		if err := s.run(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("worker exited", logx.String("name", name))
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	wrapped := func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
	s.Go(name, wrapped)
}

// RestartOption tunes the restart loop.
type RestartOption func(*restartCfg)

type restartCfg struct {
	stopOnCleanExit bool
	maxRestarts     int // 0 or less means keep trying
	minBackoff      time.Duration
	maxBackoff      time.Duration
}

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

func newRestartCfg(opts []RestartOption) restartCfg {
	cfg := restartCfg{
		stopOnCleanExit: true,
		minBackoff:      defaultMinBackoff,
		maxBackoff:      defaultMaxBackoff,
	}
	for _, o := range opts {
		o(&cfg)
	}
	// Options may leave the window empty or inverted.
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = defaultMinBackoff
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)
	return cfg
}

// WithRestartBackoff bounds the exponential backoff between restarts. A zero
// bound keeps its default.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts caps how many failed runs GoRestart tolerates before it
// gives up and records a group failure. The first run is free.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithStopOnCleanExit decides what a nil return from fn means: stop for good
// (true, the default) or restart like a failure (false).
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running: when it fails or panics it is started again
// after a jittered exponential backoff, until the group context is canceled.
// Meant for pollers, watchers and consumers that should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := newRestartCfg(opts)

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			ranAt := time.Now()
			err := s.run(name, fn)

			// Cancellation is a normal stop, not a crash.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}

			// A run that held up for a while earns a fresh backoff.
			if time.Since(ranAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("worker gave up",
					logx.String("name", name),
					logx.Int("restarts", restarts),
					logx.Any("err", err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}

			wait := jitter(backoff)
			s.log.Warn("worker restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels the group and waits for it to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx runs out. Once
// drained it returns the group's first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// jitter widens d by up to 20% so synchronized failures don't restart in
// lockstep.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(span+1))
}
