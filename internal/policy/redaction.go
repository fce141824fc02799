// Package policy holds the rules applied to what the assistant hears before
// it is written to logs.
package policy

import "regexp"

type rule struct {
	kind    string
	pattern *regexp.Regexp
	replace string
}

// Order matters: codes and cards are masked before the looser phone rule
// can claim their digits.
var rules = []rule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{"code", regexp.MustCompile(`(?i)\b((?:door|alarm|gate|garage|safe|wifi|wi-fi)?\s*(?:code|pin|passcode|password)\b\s*(?:is|was|:)?\s*)[0-9A-Za-z][0-9A-Za-z -]{2,}[0-9A-Za-z]`), "${1}[code]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// RedactTranscript masks contact details, card numbers and spoken access
// codes in text. It returns the masked text and the kinds that matched.
func RedactTranscript(text string) (string, []string) {
	var kinds []string
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(text, r.replace)
		if next != text {
			kinds = append(kinds, r.kind)
			text = next
		}
	}
	return text, kinds
}
