package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString trims input, drops control characters and caps the result
// at maxRunes characters. A non-positive maxRunes means no cap.
func SanitizeString(input string, maxRunes int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n') {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		cleaned = string([]rune(cleaned)[:maxRunes])
	}
	return strings.TrimSpace(cleaned)
}
