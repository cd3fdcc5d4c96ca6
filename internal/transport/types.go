// Package transport defines the platform-neutral surface between the bot
// and a chat backend. The rest of the code speaks these types; only the
// adapter under telegram/ knows about Bot API shapes.
package transport

import (
	"context"
	"errors"
)

// Adapter is a chat backend. Start feeds inbound traffic into out until ctx
// ends; the send methods are safe for concurrent use.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef, caption string) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	ClearMarkup(ctx context.Context, ref MessageRef) error
}

// UpdateKind discriminates Update's union.
type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event. Exactly one of Message and Callback is set,
// according to Kind.
type Update struct {
	Kind UpdateKind

	Message  *Message
	Callback *Callback
}

type Message struct {
	ChatID       int64
	ThreadID     int // forum topic, 0 outside forums
	ID           int
	FromID       int64
	FromUsername string
	Text         string
	Caption      string
	HasMedia     bool // carries a photo or video that CopyMessage can replicate
	ReplyToID    int  // 0 when not a reply
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

// ChatTarget addresses where a send goes.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a concrete message in a concrete chat. It is the
// content reference scheduled posts carry: delivery replicates the referenced
// message (copyMessage) instead of re-uploading media.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // backend-specific; the Telegram adapter expects *telebot.ReplyMarkup
}

// ErrRecipientGone marks permanent delivery failures: the recipient blocked
// the bot, deleted their account, or the chat no longer exists. Retrying a
// send that failed this way cannot succeed.
var ErrRecipientGone = errors.New("recipient gone")

// BotCommand is one entry of the command menu shown by clients.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters whose platform has a
// settable command menu. Callers type-assert for it; menus are cosmetic.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
