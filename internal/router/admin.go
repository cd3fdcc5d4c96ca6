package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dripbot/internal/calendar"
	"dripbot/internal/ledger"
	"dripbot/internal/roster"
	kit "dripbot/internal/transport"
	"dripbot/pkg/logx"
	"dripbot/pkg/tgui"
)

// Admin content intake works by reply capture: a command arms a prompt
// message, and the admin's reply to that prompt becomes the stored content.
// The reply itself (its chat and message id) is the content reference;
// delivery later copies that exact message.

// trackPrompt remembers msgID as one of our capture prompts. Stale entries
// are pruned on every write; the table is capped by evicting the oldest.
func (r *Router) trackPrompt(msgID int, p prompt) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	now := r.now()
	p.at = now
	for id, old := range r.prompts {
		if now.Sub(old.at) > promptTTL {
			delete(r.prompts, id)
		}
	}
	for len(r.prompts) >= maxPrompts {
		oldestID, oldestAt := 0, now
		for id, old := range r.prompts {
			if oldestID == 0 || old.at.Before(oldestAt) {
				oldestID, oldestAt = id, old.at
			}
		}
		delete(r.prompts, oldestID)
	}
	r.prompts[msgID] = p
}

// takePrompt consumes the prompt armed for msgID. Capture handlers re-arm it
// on failure so the fix is one more reply, not a fresh command.
func (r *Router) takePrompt(msgID int) (prompt, bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	p, ok := r.prompts[msgID]
	if !ok {
		return prompt{}, false
	}
	delete(r.prompts, msgID)
	if r.now().Sub(p.at) > promptTTL {
		return prompt{}, false
	}
	return p, true
}

// cmdSet arms a slot prompt. Without arguments the captured post takes the
// next free slot as of capture time; with an explicit time it takes exactly
// that slot.
func (r *Router) cmdSet(ctx context.Context, msg *kit.Message, args []string) error {
	loc := r.location()
	if len(args) == 0 {
		next, err := r.serv.Calendar.NextFreeSlot(ctx)
		if errors.Is(err, calendar.ErrWindowFull) {
			_, serr := r.adapter.SendText(ctx, chatOf(msg), textWindowFull, nil)
			return serr
		}
		if err != nil {
			_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
			return err
		}
		ref, err := r.adapter.SendText(ctx, chatOf(msg), fmt.Sprintf(textPromptSlotNext, formatSlot(next, loc)), nil)
		if err != nil {
			return err
		}
		r.trackPrompt(ref.MessageID, prompt{kind: promptSlot})
		return nil
	}

	due, err := parseDueArg(strings.Join(args, " "), loc, r.now())
	if err != nil {
		_, serr := r.adapter.SendText(ctx, chatOf(msg), textSetUsage, nil)
		return serr
	}
	ref, err := r.adapter.SendText(ctx, chatOf(msg), fmt.Sprintf(textPromptSlotAt, formatSlot(due, loc)), nil)
	if err != nil {
		return err
	}
	r.trackPrompt(ref.MessageID, prompt{kind: promptSlot, due: due})
	return nil
}

// cmdInit arms the onboarding-post prompt.
func (r *Router) cmdInit(ctx context.Context, msg *kit.Message, _ []string) error {
	ref, err := r.adapter.SendText(ctx, chatOf(msg), textPromptInitial, nil)
	if err != nil {
		return err
	}
	r.trackPrompt(ref.MessageID, prompt{kind: promptInitial})
	return nil
}

// handleCapture turns an admin reply to an armed prompt into stored content.
func (r *Router) handleCapture(ctx context.Context, msg *kit.Message) error {
	p, ok := r.takePrompt(msg.ReplyToID)
	if !ok {
		// Reply to something that is not (or no longer) one of our prompts.
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if !msg.HasMedia && text == "" {
		r.trackPrompt(msg.ReplyToID, p)
		_, err := r.adapter.SendText(ctx, chatOf(msg), textCaptureEmpty, nil)
		return err
	}

	ref := kit.MessageRef{ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.ID}
	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		caption = tgui.TruncRunes(text, 80)
	}

	switch p.kind {
	case promptInitial:
		if err := r.serv.Calendar.SetInitial(ctx, calendar.InitialPost{Ref: ref, Caption: caption}); err != nil {
			r.trackPrompt(msg.ReplyToID, p)
			_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
			return err
		}
		_, err := r.adapter.SendText(ctx, chatOf(msg), textInitialSaved, nil)
		return err

	case promptSlot:
		due := p.due
		var err error
		if due.IsZero() {
			var post calendar.Post
			post, err = r.serv.Calendar.EnqueueNextFree(ctx, ref, caption)
			due = post.DueAt
		} else {
			err = r.serv.Calendar.Enqueue(ctx, calendar.Post{DueAt: due, Ref: ref, Caption: caption})
		}
		if err != nil {
			r.trackPrompt(msg.ReplyToID, p)
			_, serr := r.adapter.SendText(ctx, chatOf(msg), captureErrorText(err), nil)
			if isSlotError(err) {
				r.log.Debug("capture rejected", logx.Any("err", err))
				return serr
			}
			return err
		}

		note := fmt.Sprintf(textScheduled, formatSlot(due, r.location()))
		if full, ferr := r.serv.Calendar.WindowFull(ctx); ferr == nil && full {
			note += "\n" + textWindowComplete
		}
		_, err = r.adapter.SendText(ctx, chatOf(msg), note, nil)
		return err
	}
	return nil
}

func isSlotError(err error) bool {
	return errors.Is(err, calendar.ErrDuplicateSlot) ||
		errors.Is(err, calendar.ErrPastDue) ||
		errors.Is(err, calendar.ErrWindowFull)
}

func captureErrorText(err error) string {
	switch {
	case errors.Is(err, calendar.ErrDuplicateSlot):
		return textSlotTaken
	case errors.Is(err, calendar.ErrPastDue):
		return textSlotPast
	case errors.Is(err, calendar.ErrWindowFull):
		return textWindowFull
	}
	return textTryAgain
}

// cmdQueue renders the calendar, oldest slot first, with delivery marks.
func (r *Router) cmdQueue(ctx context.Context, msg *kit.Message, _ []string) error {
	posts, err := r.serv.Calendar.All(ctx)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
		return err
	}
	if len(posts) == 0 {
		_, err = r.adapter.SendText(ctx, chatOf(msg), textQueueEmpty, nil)
		return err
	}
	delivered, err := r.serv.Ledger.DeliveredSet(ctx)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
		return err
	}

	loc := r.location()
	var b strings.Builder
	b.WriteString(tgui.B("Scheduled posts").String())

	// Stay under the platform message limit without cutting HTML mid-tag.
	const listBudget = 3500
	shown := 0
	for _, p := range posts {
		if b.Len() > listBudget {
			break
		}
		mark := "•"
		if _, ok := delivered[ledger.SlotKey(p.DueAt)]; ok {
			mark = "✓"
		}
		b.WriteString("\n")
		b.WriteString(mark)
		b.WriteString(" ")
		b.WriteString(tgui.Code(formatSlot(p.DueAt, loc)).String())
		if c := strings.TrimSpace(p.Caption); c != "" {
			b.WriteString(" ")
			b.WriteString(tgui.Esc(tgui.TruncRunes(c, 48)).String())
		}
		shown++
	}
	if shown < len(posts) {
		fmt.Fprintf(&b, "\n… and %d more", len(posts)-shown)
	}

	_, err = r.adapter.SendText(ctx, chatOf(msg), b.String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

// cmdStats summarizes the roster and the calendar in one message.
func (r *Router) cmdStats(ctx context.Context, msg *kit.Message, _ []string) error {
	counts, err := r.serv.Roster.CountByStatus(ctx)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
		return err
	}
	posts, err := r.serv.Calendar.All(ctx)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
		return err
	}
	delivered, err := r.serv.Ledger.DeliveredSet(ctx)
	if err != nil {
		_, _ = r.adapter.SendText(ctx, chatOf(msg), textTryAgain, nil)
		return err
	}

	pending := 0
	var nextDue time.Time
	for _, p := range posts {
		if _, ok := delivered[ledger.SlotKey(p.DueAt)]; ok {
			continue
		}
		pending++
		if nextDue.IsZero() || p.DueAt.Before(nextDue) {
			nextDue = p.DueAt
		}
	}

	loc := r.location()
	var b strings.Builder
	b.WriteString(tgui.B("Roster").String())
	fmt.Fprintf(&b, "\nactive: %d\nstopped: %d\nunengaged: %d",
		counts[roster.StatusActive], counts[roster.StatusStopped], counts[roster.StatusUnengaged])
	b.WriteString("\n\n")
	b.WriteString(tgui.B("Calendar").String())
	fmt.Fprintf(&b, "\nscheduled: %d\ndelivered: %d\npending: %d",
		len(posts), len(posts)-pending, pending)
	if !nextDue.IsZero() {
		fmt.Fprintf(&b, "\nnext due: %s", formatSlot(nextDue, loc))
	}

	_, err = r.adapter.SendText(ctx, chatOf(msg), b.String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

// Accepted slot formats. Day-month shorthand assumes the current year.
var dueLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"02.01.2006 15:04",
	"02.01 15:04",
}

func parseDueArg(arg string, loc *time.Location, now time.Time) (time.Time, error) {
	arg = strings.TrimSpace(arg)
	for _, layout := range dueLayouts {
		t, err := time.ParseInLocation(layout, arg, loc)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = time.Date(now.In(loc).Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized due time %q", arg)
}

func formatSlot(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Mon 02 Jan 15:04")
}
