// Package adapter is the telebot-backed implementation of the transport
// surface: it maps Bot API updates onto kit types and kit calls onto Bot API
// methods, including the raw ones telebot has no typed wrapper for.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	"dripbot/pkg/logx"
)

const (
	outgoingTextLimit = 4000
	menuDescLimit     = 256
	menuCmdLimit      = 100
)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// out holds the current chan<- kit.Update. Handlers load it per update,
	// so Start can swap it without touching telebot.
	out atomic.Value

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// dropped counts updates the consumer was too slow for; a periodic
	// reporter turns it into one summary line instead of per-update noise.
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{cfg: cfg, log: log, bot: bot}
	var none chan<- kit.Update
	a.out.Store(none) // fix the stored dynamic type before first Load
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.emitMessage(c.Message(), false)
		return nil
	})
	// Photos and videos are what the admin schedules; other media kinds are
	// not copyable content here and stay unhandled.
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		a.emitMessage(c.Message(), true)
		return nil
	})
	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		a.emitMessage(c.Message(), true)
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb, m := c.Callback(), c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.emit(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:           cb.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       cb.Sender.ID,
				FromUsername: cb.Sender.Username,
				MessageID:    m.ID,
				Data:         strings.TrimSpace(cb.Data),
			},
		})
		return nil
	})
}

func (a *Adapter) emitMessage(m *tele.Message, media bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return
	}
	msg := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		Caption:      m.Caption,
		HasMedia:     media,
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = m.ReplyTo.ID
	}
	a.emit(kit.Update{Kind: kit.UpdateMessage, Message: msg})
}

// emit hands an update to the consumer without ever blocking the poll loop.
func (a *Adapter) emit(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)

	a.sup.Go0("updates.drop_report", func(c context.Context) {
		a.reportDrops(c, cap(out))
	})

	// bot.Start blocks until bot.Stop, so cancellation needs its own watcher.
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// The poll loop can return on transport hiccups; the restart policy
	// brings it back until the adapter context ends.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, chanCap int) {
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)",
				logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
		}
	}
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	sup := a.sup
	running := a.running
	a.sup = nil
	a.running = false
	var none chan<- kit.Update
	a.out.Store(none)
	a.runMu.Unlock()

	if !running {
		return nil
	}
	a.log.Info("stopping")

	sup.Cancel()
	// bot.Stop can sit behind an in-flight getUpdates long-poll; run it off
	// the shutdown path.
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("poll loop did not stop within grace window", logx.Err(err))
	default:
		a.log.Debug("poll loop stopped with error", logx.Err(err))
	}
	return nil
}

// ctxErr reports an already-canceled context without blocking. telebot calls
// take no context, so each outbound method checks once before the call.
func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// splitOutgoing cuts text into pieces Telegram accepts. A cut prefers the
// last newline past a third of the window and never lands inside an HTML tag
// when the message uses HTML parse mode.
func splitOutgoing(text string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = outgoingTextLimit
	}
	rs := []rune(text)
	if len(rs) <= limit {
		return []string{text}
	}
	htmlMode := strings.EqualFold(parseMode, tele.ModeHTML)

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := cutPoint(rs, start, limit, htmlMode)
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++ // a chunk never starts with the newline it was cut on
		}
	}
	return out
}

func cutPoint(rs []rune, start, limit int, htmlMode bool) int {
	end := start + limit
	if end >= len(rs) {
		return len(rs)
	}
	for i := end - 1; i > start && i-start >= limit/3; i-- {
		if rs[i] == '\n' {
			end = i + 1
			break
		}
	}
	if htmlMode {
		if open := danglingTag(rs, start, end); open > start+1 {
			end = open
		}
	}
	return end
}

// danglingTag returns the index of a '<' in rs[start:end) with no '>' after
// it, or -1 when every tag in the window is closed.
func danglingTag(rs []rune, start, end int) int {
	open := -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			open = -1
		}
	}
	return open
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitOutgoing(text, outgoingTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// Buttons ride the first chunk only.
		if i == 0 {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				so.ReplyMarkup = rm
			}
		}
		sent, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classifySendErr(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: sent.ID}
		}
	}
	return first, nil
}

// CopyMessage replicates an existing message into another chat. A non-empty
// caption replaces the source caption. telebot has no typed wrapper for
// caption-overriding copies, so this rides Bot.Raw.
func (a *Adapter) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef, caption string) (kit.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, err
	}

	params := struct {
		ChatID     int64  `json:"chat_id"`
		FromChatID int64  `json:"from_chat_id"`
		MessageID  int    `json:"message_id"`
		ThreadID   int    `json:"message_thread_id,omitempty"`
		Caption    string `json:"caption,omitempty"`
	}{
		ChatID:     to.ChatID,
		FromChatID: from.ChatID,
		MessageID:  from.MessageID,
		ThreadID:   to.ThreadID,
		Caption:    caption,
	}
	data, err := a.bot.Raw("copyMessage", params)
	if err != nil {
		return kit.MessageRef{}, classifySendErr(err)
	}

	var resp struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: resp.Result.MessageID}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// ClearMarkup strips the inline keyboard from a sent message so answered
// funnel buttons stop producing taps.
func (a *Adapter) ClearMarkup(ctx context.Context, ref kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	_, err := a.bot.EditReplyMarkup(msg, nil)
	return err
}

// UpdateMenuCommands syncs Telegram's command menu (setMyCommands). The call
// is skipped when the rendered list matches the last one pushed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	type apiCmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	list := make([]apiCmd, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > menuDescLimit {
			desc = desc[:menuDescLimit]
		}
		list = append(list, apiCmd{Command: strings.TrimPrefix(c.Command, "/"), Description: desc})
		if len(list) == menuCmdLimit {
			break
		}
	}

	h := fnv.New64a()
	for _, c := range list {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}

	payload := struct {
		Commands []apiCmd `json:"commands"`
	}{Commands: list}
	if _, err := a.bot.Raw("setMyCommands", payload); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("command menu synced", logx.Int("count", len(list)))
	return nil
}
