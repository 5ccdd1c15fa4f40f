package model

import (
	"regexp"
	"strings"
	"unicode"
)

var leadingThe = regexp.MustCompile(`^the\s+`)

// Normalize reduces a title to the form used for identity comparison:
// lowercase, one leading "the " dropped, everything but a-z, 0-9 and
// whitespace removed, whitespace collapsed.
//
// The pass is repeated until the output is stable so that Normalize is
// idempotent even for inputs like "The. Band".
func Normalize(text string) string {
	out := normalizeOnce(text)
	for {
		next := normalizeOnce(out)
		if next == out {
			return out
		}
		out = next
	}
}

func normalizeOnce(text string) string {
	t := strings.TrimSpace(strings.ToLower(text))
	t = leadingThe.ReplaceAllString(t, "")

	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
