// Package dispatch runs the delivery pass: every minute it compares the
// calendar against the dispatch log and copies whatever became due to every
// active subscriber, oldest slot first. The pass is idempotent over the log,
// so a missed or interrupted pass is repaired by the next one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dripbot/internal/calendar"
	"dripbot/internal/eventbus"
	"dripbot/internal/ledger"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

const defaultSchedule = "* * * * *"

// ErrOverlapSkip is returned by Tick when a previous pass is still running.
// The late pass is dropped, not queued; the next trigger covers its work.
var ErrOverlapSkip = errors.New("delivery pass already running")

func New(cfg Config, cal Calendar, led Ledger, ros Roster, out Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		cal:     cal,
		led:     led,
		ros:     ros,
		out:     out,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Enabled reports the current config flag; safe to call while Apply runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldSpec := strings.TrimSpace(s.cfg.Schedule)
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()

	if oldSpec == strings.TrimSpace(cfg.Schedule) && oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c == nil {
		return
	}
	s.restartLocked()
}

// Start registers the pass trigger with cron. Posts that became due while
// the process was down are picked up by the first pass; nothing is lost.
func (s *Service) Start(ctx context.Context) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocation()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := s.scheduleSpec()
	if err := s.registerLocked(spec); err != nil {
		// A bad spec must not silently disable delivery.
		s.log.Error("delivery schedule register failed", logx.String("spec", spec), logx.Any("err", err))
		if ferr := s.registerLocked(defaultSchedule); ferr == nil {
			s.log.Warn("falling back to per-minute delivery pass", logx.String("spec", defaultSchedule))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

// Stop halts the trigger, letting a running pass finish within ctx. A pass
// cut short leaves its slot unrecorded; the next run redelivers it in full.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.cronMu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	s.cronMu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// registerLocked adds the pass job under the given spec. Call with cronMu held.
func (s *Service) registerLocked(spec string) error {
	ctx := s.runCtx
	job := cron.FuncJob(func() {
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.Tick(ctx)
	})
	_, err := s.c.AddJob(spec, job)
	return err
}

// restartLocked rebuilds cron after a schedule or timezone change. Waits for
// a running pass to finish. Call with cronMu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocation()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := s.scheduleSpec()
	if err := s.registerLocked(spec); err != nil {
		s.log.Error("delivery schedule register failed", logx.String("spec", spec), logx.Any("err", err))
		if ferr := s.registerLocked(defaultSchedule); ferr == nil {
			s.log.Warn("falling back to per-minute delivery pass", logx.String("spec", defaultSchedule))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) scheduleSpec() string {
	s.mu.Lock()
	spec := strings.TrimSpace(s.cfg.Schedule)
	s.mu.Unlock()
	if spec == "" {
		spec = defaultSchedule
	}
	return spec
}

func (s *Service) loadLocation() *time.Location {
	s.mu.Lock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	s.mu.Unlock()
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// Tick runs one delivery pass: everything due and not yet recorded is fanned
// out to the active roster in due order. A trigger that fires while the
// previous pass is still running is skipped, not queued.
func (s *Service) Tick(ctx context.Context) error {
	asOf := s.now()
	if !s.tryBegin() {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "dispatch.skipped", Time: asOf, Data: TickEvent{At: asOf, Error: "overlap_skip"}})
		}
		s.log.Debug("delivery pass skipped: previous still running")
		return ErrOverlapSkip
	}
	defer s.end()

	start := time.Now()
	due, err := s.cal.DuePosts(ctx, asOf)
	if err != nil {
		return s.abort(asOf, fmt.Errorf("load due posts: %w", err))
	}
	delivered, err := s.led.DeliveredSet(ctx)
	if err != nil {
		return s.abort(asOf, fmt.Errorf("load dispatch log: %w", err))
	}

	// DuePosts is ascending; subtracting the log keeps that order.
	pending := make([]calendar.Post, 0, len(due))
	for _, p := range due {
		if _, ok := delivered[ledger.SlotKey(p.DueAt)]; !ok {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		s.log.Trace("delivery pass idle", logx.Int("due", len(due)))
		return nil
	}

	s.log.Info("delivery pass started", logx.Int("due", len(due)), logx.Int("pending", len(pending)))

	recorded := 0
	var passErr error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		if err := s.deliver(ctx, p); err != nil {
			passErr = err
			break
		}
		recorded++
	}

	ev := TickEvent{At: asOf, Due: len(due), Pending: len(pending), Posts: recorded}
	fields := []logx.Field{
		logx.Int("due", len(due)),
		logx.Int("pending", len(pending)),
		logx.Int("recorded", recorded),
		logx.Duration("dur", time.Since(start)),
	}
	if passErr != nil {
		ev.Error = passErr.Error()
		s.log.Error("delivery pass aborted", append(fields, logx.Any("err", passErr))...)
	} else {
		s.log.Info("delivery pass finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.tick", Time: s.now(), Data: ev})
	}
	return passErr
}

func (s *Service) abort(asOf time.Time, err error) error {
	s.log.Error("delivery pass aborted", logx.Any("err", err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.tick", Time: s.now(), Data: TickEvent{At: asOf, Error: err.Error()}})
	}
	return err
}

// deliver fans one post out to the active roster and records the slot. The
// roster snapshot is taken per post, so a /stop arriving mid-pass is honored
// for every post not yet sent.
func (s *Service) deliver(ctx context.Context, p calendar.Post) error {
	ids, err := s.ros.ActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("load active roster: %w", err)
	}

	sent, failed := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendOne(ctx, id, p); err != nil {
			// One failed recipient never blocks the rest of the fan-out.
			failed++
			s.log.Warn("post delivery failed",
				logx.String("slot", p.DueAt.Format(time.RFC3339)),
				logx.Int64("chat_id", id),
				logx.Any("err", err))
			continue
		}
		sent++
	}

	// Record only after every recipient in the snapshot was attempted. A
	// crash before this line leaves the slot unrecorded and the whole
	// fan-out reruns next pass: duplicates over gaps.
	if done, err := s.led.IsDelivered(ctx, p.DueAt); err != nil {
		return fmt.Errorf("check dispatch log: %w", err)
	} else if done {
		s.log.Warn("slot already recorded", logx.String("slot", p.DueAt.Format(time.RFC3339)))
	} else if err := s.led.Record(ctx, p.DueAt); err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}

	now := s.now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.post", Time: now, Data: PostEvent{
			DueAt: p.DueAt, Recipients: len(ids), Sent: sent, Failed: failed, At: now,
		}})
	}
	fields := []logx.Field{
		logx.String("slot", p.DueAt.Format(time.RFC3339)),
		logx.Int("recipients", len(ids)),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
	}
	if failed > 0 {
		s.log.Warn("post dispatched with failures", fields...)
	} else {
		s.log.Info("post dispatched", fields...)
	}
	return nil
}

func (s *Service) sendOne(ctx context.Context, chatID int64, p calendar.Post) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if retry < 0 {
		retry = 0
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	to := kit.ChatTarget{ChatID: chatID}
	var last error
	for i := 0; i <= retry; i++ {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := s.out.CopyMessage(sctx, to, p.Ref, p.Caption)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, kit.ErrRecipientGone) {
			// Permanent: blocked, deactivated or missing chat. No retry, and
			// the roster entry only flips on an explicit subscriber event.
			return err
		}
		if i == retry || ctx.Err() != nil {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("post send retry scheduled",
			logx.String("slot", p.DueAt.Format(time.RFC3339)),
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Any("err", err))
		pause := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			pause.Stop()
			return ctx.Err()
		case <-pause.C:
		}
	}
	return last
}
