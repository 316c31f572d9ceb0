// Package policy masks user-supplied text before it reaches logs.
package policy

import (
	"log/slog"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// sensitiveKeys are log attributes that carry free text typed by a client.
var sensitiveKeys = map[string]struct{}{
	"topic":         {},
	"clarification": {},
	"uri":           {},
	"user_id":       {},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones; a card number also matches the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactAttr is a slog ReplaceAttr hook that masks PII in client-supplied
// string attributes.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[a.Key]; !ok {
		return a
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if out, changed := RedactPII(a.Value.String()); changed {
		return slog.String(a.Key, out)
	}
	return a
}
