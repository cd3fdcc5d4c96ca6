// Package router consumes the adapter's update channel and turns messages
// into store operations: subscriber commands and funnel buttons feed the
// roster, admin commands feed the calendar. Handlers run on a small worker
// pool; every store write lands before the reply that acknowledges it.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dripbot/internal/eventbus"
	"dripbot/internal/roster"
	"dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

func New(cfg Config, adapter kit.Adapter, serv Services, log logx.Logger, bus eventbus.Bus) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		bus:     bus,
		serv:    serv,
		prompts: map[int]prompt{},
		jobs:    make(chan func(), 256),
		now:     time.Now,
	}
	r.commands = map[string]command{
		"start": {handle: r.cmdStart, desc: "subscribe to the calendar"},
		"stop":  {handle: r.cmdStop, desc: "pause deliveries"},
		"id":    {handle: r.cmdID, desc: "show this chat's id"},
		"help":  {handle: r.cmdHelp, desc: "list available commands"},
		"set":   {handle: r.cmdSet, adminOnly: true, desc: "schedule a post (reply capture)"},
		"init":  {handle: r.cmdInit, adminOnly: true, desc: "set the onboarding post"},
		"queue": {handle: r.cmdQueue, adminOnly: true, desc: "list scheduled posts"},
		"stats": {handle: r.cmdStats, adminOnly: true, desc: "roster and queue counters"},
	}
	r.publicOrder = []string{"start", "stop", "id", "help"}
	r.adminOrder = []string{"set", "init", "queue", "stats"}
	return r
}

func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	// Note: live pool resizing is out of scope; Workers applies on next Run.
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	admin := r.cfg.AdminChatID
	r.mu.RUnlock()
	return admin != 0 && id == admin
}

func (r *Router) location() *time.Location {
	r.mu.RLock()
	loc := r.cfg.Location
	r.mu.RUnlock()
	if loc == nil {
		return time.UTC
	}
	return loc
}

func (r *Router) commandTimeout() time.Duration {
	r.mu.RLock()
	d := r.cfg.CommandTimeout
	r.mu.RUnlock()
	if d <= 0 {
		d = 15 * time.Second
	}
	return d
}

func (r *Router) workers() int {
	r.mu.RLock()
	n := r.cfg.Workers
	r.mu.RUnlock()
	if n <= 0 {
		n = 4
	}
	return n
}

// Commands returns the subscriber-facing command menu. Admin commands stay
// out of the platform autocomplete on purpose.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.publicOrder))
	for _, name := range r.publicOrder {
		out = append(out, kit.BotCommand{Command: name, Description: r.commands[name].desc})
	}
	return out
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx is done or the channel closes. Handlers run
// on a bounded worker pool so one slow store call never stalls intake.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := r.workers()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("intake started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	// tryEnqueue recovers from the send-on-closed panic, so a straggler
	// arriving during shutdown is dropped, not crashed on.
	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() { close(r.jobs) })
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "router.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Keep workers alive even if a job slips past the
					// handler's own recover.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in intake job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("intake stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("intake stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up.Message)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up.Callback)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *kit.Message) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if !strings.HasPrefix(text, "/") {
		// The only non-command intake: the admin replying to a capture prompt.
		if r.isAdmin(msg.FromID) && msg.ReplyToID != 0 {
			m := *msg
			r.enqueueJob(ctx, "capture", chatOf(msg), msg.FromID, func(c context.Context) error {
				return r.handleCapture(c, &m)
			})
		}
		return
	}

	name, args := parseCommand(text)
	cmd, ok := r.commands[name]
	if !ok || (cmd.adminOnly && !r.isAdmin(msg.FromID)) {
		// Admin commands stay invisible to subscribers.
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textUnknown, nil)
		return
	}

	m := *msg
	r.enqueueJob(ctx, name, chatOf(msg), msg.FromID, func(c context.Context) error {
		return cmd.handle(c, &m, args)
	})
}

func (r *Router) routeCallback(ctx context.Context, cb *kit.Callback) {
	if cb == nil {
		return
	}
	ev, ok := parseFunnelCallback(cb.Data)
	if !ok {
		// Stale or foreign button; stop the client spinner and move on.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	c := *cb
	r.enqueueJob(ctx, "funnel."+ev.String(), kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, func(jctx context.Context) error {
		return r.handleFunnelCallback(jctx, &c, ev)
	})
}

func (r *Router) enqueueJob(ctx context.Context, name string, chat kit.ChatTarget, fromID int64, fn func(context.Context) error) {
	rid := newReqID()
	log := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int64("from_id", fromID),
		logx.String("cmd", name),
	)
	timeout := r.commandTimeout()

	job := func() {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", rec)
				}
			}()
			err = fn(cctx)
		}()

		d := time.Since(start)
		if err != nil {
			log.Warn("request failed", logx.Duration("dur", d), logx.Any("err", err))
			return
		}
		// Keep INFO useful: short successful requests go to DEBUG.
		if d >= 750*time.Millisecond {
			log.Info("request ok", logx.Duration("dur", d))
		} else {
			log.Debug("request ok", logx.Duration("dur", d))
		}
	}

	if !r.tryEnqueue(job) {
		log.Warn("job queue full, request dropped")
		_, _ = r.adapter.SendText(ctx, chat, textBusy, nil)
	}
}

func (r *Router) publishTransition(id int64, ev roster.Event, d roster.Decision) {
	if r.bus == nil {
		return
	}
	now := r.now()
	r.bus.Publish(eventbus.Event{Type: "roster.transition", Time: now, Data: TransitionEvent{
		SubscriberID: id,
		Event:        ev.String(),
		Status:       string(d.Subscriber.Status),
		Changed:      d.Changed,
		At:           now,
	}})
}

func chatOf(msg *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
}

// parseCommand splits "/cmd@bot arg ..." into a lowercase command name and args.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), parts[1:]
}

var ridSeq atomic.Uint64

// newReqID tags one handled update in the logs. Uniqueness only has to hold
// within a log window, so timestamp plus counter is plenty.
func newReqID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(ridSeq.Add(1), 36)
}
