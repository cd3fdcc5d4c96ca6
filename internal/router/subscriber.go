package router

import (
	"context"
	"strconv"
	"strings"

	"dripbot/internal/roster"
	kit "dripbot/internal/transport"
	"dripbot/pkg/logx"
	"dripbot/pkg/tgui"
)

// Subscriber-facing commands. Every one of them is a roster event: the row is
// committed by Apply before any reply goes out, so a crash between the two
// re-sends a message instead of losing a state change.

func (r *Router) cmdStart(ctx context.Context, msg *kit.Message, _ []string) error {
	return r.applyEvent(ctx, chatOf(msg), msg.ChatID, msg.FromUsername, roster.EventStart)
}

func (r *Router) cmdStop(ctx context.Context, msg *kit.Message, _ []string) error {
	return r.applyEvent(ctx, chatOf(msg), msg.ChatID, msg.FromUsername, roster.EventStop)
}

func (r *Router) cmdID(ctx context.Context, msg *kit.Message, _ []string) error {
	text := "chat id: " + tgui.Code(strconv.FormatInt(msg.ChatID, 10)).String()
	_, err := r.adapter.SendText(ctx, chatOf(msg), text, &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func (r *Router) cmdHelp(ctx context.Context, msg *kit.Message, _ []string) error {
	var b strings.Builder
	b.WriteString(tgui.B("Commands").String())
	for _, name := range r.publicOrder {
		b.WriteString("\n/")
		b.WriteString(name)
		b.WriteString(" - ")
		b.WriteString(tgui.Esc(r.commands[name].desc).String())
	}
	if r.isAdmin(msg.FromID) {
		b.WriteString("\n\n")
		b.WriteString(tgui.B("Admin").String())
		for _, name := range r.adminOrder {
			b.WriteString("\n/")
			b.WriteString(name)
			b.WriteString(" - ")
			b.WriteString(tgui.Esc(r.commands[name].desc).String())
		}
	}
	_, err := r.adapter.SendText(ctx, chatOf(msg), b.String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

// applyEvent pushes one event through the roster and delivers whatever reply
// the transition owes.
func (r *Router) applyEvent(ctx context.Context, chat kit.ChatTarget, id int64, name string, ev roster.Event) error {
	d, err := r.serv.Roster.Apply(ctx, id, name, ev)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chat, textTryAgain, nil)
		return err
	}
	r.publishTransition(id, ev, d)
	return r.sendDecision(ctx, chat, d)
}

func (r *Router) handleFunnelCallback(ctx context.Context, cb *kit.Callback, ev roster.Event) error {
	d, err := r.serv.Roster.Apply(ctx, cb.ChatID, cb.FromUsername, ev)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, textTryAgain)
		return err
	}
	r.publishTransition(cb.ChatID, ev, d)

	// State is durable; everything after this is cosmetic and best-effort.
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	if d.Changed {
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := r.adapter.ClearMarkup(ctx, ref); err != nil {
			r.log.Debug("clear markup failed", logx.Int64("chat_id", cb.ChatID), logx.Any("err", err))
		}
	}
	return r.sendDecision(ctx, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, d)
}

func parseFunnelCallback(data string) (roster.Event, bool) {
	ns, action, _, ok := tgui.ParseData(data)
	if !ok || ns != "funnel" {
		return 0, false
	}
	switch action {
	case "accept":
		return roster.EventAccept, true
	case "decline":
		return roster.EventDecline, true
	}
	return 0, false
}

var decisionTexts = map[roster.MessageKind]string{
	roster.MessageAccepted:       textAccepted,
	roster.MessageDeclined:       textDeclined,
	roster.MessagePaused:         textPaused,
	roster.MessageWelcomeBack:    textWelcomeBack,
	roster.MessageAlreadyActive:  textAlreadyActive,
	roster.MessageAlreadyStopped: textAlreadyStopped,
}

func (r *Router) sendDecision(ctx context.Context, chat kit.ChatTarget, d roster.Decision) error {
	switch d.Message {
	case roster.MessageNone:
		return nil
	case roster.MessageFunnelIntro:
		return r.sendFunnelIntro(ctx, chat)
	}
	text, ok := decisionTexts[d.Message]
	if !ok {
		return nil
	}
	_, err := r.adapter.SendText(ctx, chat, text, nil)
	return err
}

// sendFunnelIntro greets, replays the onboarding post when one is configured,
// and asks the join question with inline buttons. Re-sending the whole intro
// on a repeated /start is intentional; the buttons always land.
func (r *Router) sendFunnelIntro(ctx context.Context, chat kit.ChatTarget) error {
	if _, err := r.adapter.SendText(ctx, chat, textGreeting, nil); err != nil {
		return err
	}
	init, ok, err := r.serv.Calendar.Initial(ctx)
	if err != nil {
		r.log.Warn("onboarding post lookup failed", logx.Any("err", err))
	} else if ok {
		if _, err := r.adapter.CopyMessage(ctx, chat, init.Ref, init.Caption); err != nil {
			r.log.Warn("onboarding post copy failed", logx.Int64("chat_id", chat.ChatID), logx.Any("err", err))
		}
	}
	markup := tgui.ConfirmInline(
		tgui.Btn(textBtnAccept, tgui.Data("funnel", "accept", "")),
		tgui.Btn(textBtnDecline, tgui.Data("funnel", "decline", "")),
	).Markup()
	_, err = r.adapter.SendText(ctx, chat, textFunnelQuestion, &kit.SendOptions{ReplyMarkupAdapter: markup})
	return err
}
