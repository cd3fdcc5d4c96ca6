package tgui

import "unicode/utf8"

// TruncRunes caps s at n runes and marks the cut with an ellipsis. The
// budget is runes, not bytes, matching how Telegram counts caption length.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for ; n > 0; n-- {
		_, size := utf8.DecodeRuneInString(s[cut:])
		cut += size
	}
	return s[:cut] + "…"
}
