package tgui

import "html"

// H is a fragment already safe for a ParseMode="HTML" message. Everything
// user-supplied goes through Esc before it becomes part of an H.
type H string

func (h H) String() string { return string(h) }

// Esc escapes s for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tagged(tag, s string) H {
	return H("<" + tag + ">" + html.EscapeString(s) + "</" + tag + ">")
}

// B renders s bold.
func B(s string) H { return tagged("b", s) }

// Code renders s as inline monospace.
func Code(s string) H { return tagged("code", s) }
