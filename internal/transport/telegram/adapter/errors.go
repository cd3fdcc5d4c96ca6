package adapter

import (
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	kit "dripbot/internal/transport"
)

// classifySendErr wraps Telegram API errors that can never succeed on retry
// (recipient blocked the bot, deleted their account, never started a chat,
// or the chat is gone) with transport.ErrRecipientGone. Everything else is
// returned as-is and treated as transient by callers.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrNotStartedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("%w: %v", kit.ErrRecipientGone, err)
	}
	return err
}
