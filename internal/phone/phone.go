// Package phone normalises guest phone numbers to the digits-only form the
// provider uses for wa_id and recipient fields.
package phone

import "strings"

// Normalize strips formatting and a leading "+" or "00" international prefix.
// It returns "" when no digits remain.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(strings.TrimLeft(raw, " "), "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	return digits
}

// Valid reports whether the normalised number has a plausible E.164 length.
func Valid(normalized string) bool {
	return len(normalized) >= 8 && len(normalized) <= 15
}
