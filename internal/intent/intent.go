// Package intent answers simple requests locally before they reach a model.
package intent

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/ent0n29/hearth/internal/brain"
)

// Kind names a recognized local intent.
type Kind string

const (
	KindNone    Kind = ""
	KindTime    Kind = "time.now"
	KindDate    Kind = "date.today"
	KindWeather Kind = "weather.current"
)

// Match is a detected intent.
type Match struct {
	Kind Kind
	// Location is set for weather requests that name a place.
	Location string
}

var (
	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(what|tell me|what'?s)\s+(the\s+)?time\b`),
		regexp.MustCompile(`\bcurrent time\b`),
		regexp.MustCompile(`\btime now\b`),
		regexp.MustCompile(`\bwhat time is it\b`),
	}
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(what|tell me|what'?s)\s+(the\s+)?(date|day)\b`),
		regexp.MustCompile(`\bwhat day is (it|today)\b`),
		regexp.MustCompile(`\btoday'?s date\b`),
	}
	weatherPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(what'?s|how'?s|tell me)\s+(the\s+)?weather\b`),
		regexp.MustCompile(`\bweather (today|now|currently)\b`),
		regexp.MustCompile(`\bcurrent weather\b`),
		regexp.MustCompile(`\bis it raining\b`),
		regexp.MustCompile(`\bweather in\b`),
	}
	locationRe = regexp.MustCompile(`\b(?:weather|temperature|rain)\s+(?:in|at|for)\s+([a-z\s,]+?)(?:\?|$|\b(?:today|now|please))`)
)

// Detect classifies text. Time wins over date when both match.
func Detect(text string) Match {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Match{}
	}
	for _, re := range timePatterns {
		if re.MatchString(lower) {
			return Match{Kind: KindTime}
		}
	}
	for _, re := range datePatterns {
		if re.MatchString(lower) {
			return Match{Kind: KindDate}
		}
	}
	for _, re := range weatherPatterns {
		if re.MatchString(lower) {
			return Match{Kind: KindWeather, Location: extractLocation(lower)}
		}
	}
	return Match{}
}

func extractLocation(lower string) string {
	m := locationRe.FindStringSubmatch(lower)
	if m == nil {
		return ""
	}
	loc := strings.Trim(strings.TrimSpace(m[1]), ",")
	words := strings.Fields(loc)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Router is a brain.Adapter that answers time and date requests itself and
// forwards everything else, weather included, to next.
type Router struct {
	next brain.Adapter
	now  func() time.Time
	loc  *time.Location
}

// NewRouter wraps next. A nil loc uses the local time zone.
func NewRouter(next brain.Adapter, loc *time.Location) *Router {
	if loc == nil {
		loc = time.Local
	}
	return &Router{next: next, now: time.Now, loc: loc}
}

func (r *Router) Name() string { return "intent>" + r.next.Name() }

func (r *Router) StreamResponse(ctx context.Context, req brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	text, ok := r.Answer(Detect(req.InputText))
	if !ok {
		return r.next.StreamResponse(ctx, req, onDelta)
	}
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return brain.MessageResponse{}, err
		}
	}
	return brain.MessageResponse{Text: text}, nil
}

// Answer renders the local reply for m. ok is false when m must go to the
// model.
func (r *Router) Answer(m Match) (string, bool) {
	now := r.now().In(r.loc)
	switch m.Kind {
	case KindTime:
		return "It is " + now.Format("3:04 PM") + ".", true
	case KindDate:
		return "Today is " + now.Format("Monday, January 2") + ".", true
	default:
		return "", false
	}
}
