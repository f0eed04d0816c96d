package license

import (
	"strings"
	"unicode/utf8"

	"keygate/internal/config"
)

// Sanitize strips markup-significant characters from free-text input and
// truncates it. Applied to every device-supplied string before it is stored
// or echoed back.
func Sanitize(input string) string {
	if input == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch r {
		case '<', '>', '\'', '"':
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > config.MaxSanitizedLength {
		// Back off to a rune boundary so the cut never leaves invalid UTF-8.
		cut := config.MaxSanitizedLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// ValidHwid reports whether a hardware id is within the accepted length
// bounds. HWIDs are opaque; no structure beyond length is assumed.
func ValidHwid(hwid string) bool {
	return len(hwid) >= config.HwidMinLength && len(hwid) <= config.HwidMaxLength
}
