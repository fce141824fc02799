package session

import (
	"strings"
	"unicode"
)

// DefaultExitPhrases end an active session when spoken.
var DefaultExitPhrases = []string{
	"stop listening",
	"go to sleep",
	"exit",
	"goodbye",
	"bye",
	"stop",
}

// fillerTokens may surround a single-word exit phrase without changing intent.
var fillerTokens = map[string]struct{}{
	"ok": {}, "okay": {}, "please": {}, "now": {}, "thanks": {}, "thank": {},
	"you": {}, "hey": {}, "hearth": {}, "alright": {}, "then": {}, "so": {},
	"well": {}, "just": {}, "for": {}, "today": {}, "that's": {}, "all": {},
}

var negationTokens = map[string]struct{}{
	"dont": {}, "don't": {}, "not": {}, "never": {}, "cant": {}, "can't": {},
	"wont": {}, "won't": {}, "no": {},
}

// exitMatcher matches whole exit phrases against tokenized utterances.
type exitMatcher struct {
	phrases [][]string
}

func newExitMatcher(phrases []string) exitMatcher {
	m := exitMatcher{}
	for _, p := range phrases {
		toks := tokenize(p)
		if len(toks) == 0 {
			continue
		}
		m.phrases = append(m.phrases, toks)
	}
	return m
}

// Match reports whether text is an exit request. Multi-word phrases match
// as a contiguous token run not preceded by a negation. Single-word phrases
// match only when the utterance is that word plus filler.
func (m exitMatcher) Match(text string) bool {
	toks := tokenize(text)
	if len(toks) == 0 {
		return false
	}
	core := stripFiller(toks)
	for _, phrase := range m.phrases {
		if equalTokens(core, phrase) {
			return true
		}
		if len(phrase) == 1 {
			if repeats(core, phrase[0]) {
				return true
			}
			continue
		}
		for i := 0; i+len(phrase) <= len(toks); i++ {
			if !equalTokens(toks[i:i+len(phrase)], phrase) {
				continue
			}
			if i > 0 {
				if _, negated := negationTokens[toks[i-1]]; negated {
					continue
				}
			}
			return true
		}
	}
	return false
}

// tokenize case folds text, drops punctuation and splits on whitespace.
// Apostrophes inside words are kept so "don't" stays one token.
func tokenize(text string) []string {
	var sb strings.Builder
	runes := []rune(strings.ToLower(text))
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case (r == '\'' || r == '’') && i > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1]):
			sb.WriteRune('\'')
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Fields(sb.String())
}

func stripFiller(toks []string) []string {
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		if _, ok := fillerTokens[t]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// repeats handles "bye bye".
func repeats(toks []string, word string) bool {
	if len(toks) == 0 {
		return false
	}
	for _, t := range toks {
		if t != word {
			return false
		}
	}
	return true
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
