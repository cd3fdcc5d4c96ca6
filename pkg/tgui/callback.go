package tgui

import "strings"

// Data packs callback data as "namespace:action:payload", the shape
// ParseData splits back apart. Telegram caps callback_data at 64 bytes, so
// payloads carry ids, never content.
func Data(namespace, action, payload string) string {
	d := strings.TrimSpace(namespace) + ":" + strings.TrimSpace(action)
	if payload != "" {
		d += ":" + payload
	}
	return d
}

// ParseData is the inverse of Data. A payload keeps any ':' it contains;
// missing parts come back empty, and ok is false when there is no namespace.
func ParseData(data string) (namespace, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if parts[0] == "" {
		return "", "", "", false
	}
	namespace = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		payload = parts[2]
	}
	return namespace, action, payload, true
}
