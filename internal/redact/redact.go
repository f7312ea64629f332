// Package redact masks personal data in user queries before they reach logs.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

const (
	EmailMarker = "[email]"
	CardMarker  = "[card]"
	PhoneMarker = "[phone]"
)

// PII replaces emails, card numbers and phone numbers with markers and
// reports whether anything was replaced.
func PII(input string) (string, bool) {
	out := input
	changed := false
	for _, r := range []struct {
		re     *regexp.Regexp
		marker string
	}{
		{emailPattern, EmailMarker},
		// Cards first so long digit runs are not taken for phone numbers.
		{cardPattern, CardMarker},
		{phonePattern, PhoneMarker},
	} {
		next := r.re.ReplaceAllString(out, r.marker)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}

// Preview returns the redacted query cut to at most maxRunes runes, with an
// ellipsis when cut. maxRunes <= 0 disables the cut.
func Preview(query string, maxRunes int) string {
	out, _ := PII(strings.Join(strings.Fields(query), " "))
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
