package validators

import (
	"strings"
	"unicode"
)

// SanitizeString trims s, drops control characters and cuts it to at most
// maxRunes runes. Memos are mostly Korean, so the cut never splits a rune.
func SanitizeString(s string, maxRunes int) string {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s))
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
