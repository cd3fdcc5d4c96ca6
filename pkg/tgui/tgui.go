// Package tgui holds the small Telegram presentation helpers the command
// surface shares: an inline-keyboard builder, the callback-data codec and
// HTML formatting for ParseMode="HTML" replies.
package tgui

import tele "gopkg.in/telebot.v4"

// Inline accumulates rows for an inline keyboard. Markup renders them, so a
// builder can keep growing until the send.
type Inline struct {
	rows [][]tele.Btn
}

func NewInline() *Inline { return &Inline{} }

// Row adds one row of buttons.
func (in *Inline) Row(btns ...tele.Btn) *Inline {
	in.rows = append(in.rows, btns)
	return in
}

// Markup renders the accumulated rows as a ReplyMarkup.
func (in *Inline) Markup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(in.rows))
	for _, r := range in.rows {
		rows = append(rows, rm.Row(r...))
	}
	rm.Inline(rows...)
	return rm
}

// Btn makes a callback button. The data travels raw; build it with Data so
// the handler side can split it back apart.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// ConfirmInline is a one-row yes/no keyboard.
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}
