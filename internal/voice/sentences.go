package voice

import (
	"regexp"
	"strings"
	"unicode"
)

// sentenceSplitter buffers streamed model text and releases complete
// sentences. A sentence ends at '.', '?' or '!' followed by whitespace;
// a run of terminators ("?!", "...") counts as one boundary.
type sentenceSplitter struct {
	buf strings.Builder
}

// Push appends a text fragment and returns the sentences it completed.
func (s *sentenceSplitter) Push(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.buf.WriteString(fragment)
	text := s.buf.String()

	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && (isTerminator(runes[j+1]) || isClosingQuote(runes[j+1])) {
			j++
		}
		if j+1 >= len(runes) {
			// Boundary depends on what arrives next.
			break
		}
		if !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start : j+1])); sentence != "" {
			out = append(out, sentence)
		}
		start = j + 1
		i = j
	}

	rest := string(runes[start:])
	s.buf.Reset()
	s.buf.WriteString(rest)
	return out
}

// Flush returns the buffered fragment at end of stream, if any.
func (s *sentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

func isTerminator(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == '\u201d' || r == '\u2019'
}

var (
	markdownFenceRe = regexp.MustCompile("(?s)```.*?```")
	markdownCodeRe  = regexp.MustCompile("`([^`]*)`")
	markdownLinkRe  = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bareURLRe       = regexp.MustCompile(`https?://\S+`)
	listMarkerRe    = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
)

// speakable strips markup the synthesizer would read aloud literally.
func speakable(text string) string {
	text = markdownFenceRe.ReplaceAllString(text, " ")
	text = markdownLinkRe.ReplaceAllString(text, "$1")
	text = markdownCodeRe.ReplaceAllString(text, "$1")
	text = bareURLRe.ReplaceAllString(text, " ")
	text = listMarkerRe.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case r == '*' || r == '_' || r == '#' || r == '~' || r == '|' || r == '>' || r == '<':
			space = true
			continue
		case unicode.Is(unicode.So, r), unicode.IsControl(r), r == '\ufe0f', r == '\u200d':
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
