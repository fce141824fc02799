package voice

import (
	"time"

	"github.com/ent0n29/hearth/internal/audio"
)

// EndpointConfig tunes the energy-based utterance endpointer used by the
// local and mock STT backends.
type EndpointConfig struct {
	// SpeechRMS is the normalized RMS above which a frame counts as speech.
	SpeechRMS float64
	// MinSpeech is how much voiced audio must accumulate before an
	// utterance is considered started.
	MinSpeech time.Duration
	// Hangover is the trailing silence that ends an utterance.
	Hangover time.Duration
	// MaxUtterance forces an end after this much audio.
	MaxUtterance time.Duration
	// PreRoll keeps this much audio from before speech onset.
	PreRoll time.Duration
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.SpeechRMS <= 0 {
		c.SpeechRMS = 0.015
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 160 * time.Millisecond
	}
	if c.Hangover <= 0 {
		c.Hangover = 700 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 15 * time.Second
	}
	if c.PreRoll <= 0 {
		c.PreRoll = 200 * time.Millisecond
	}
	return c
}

type endpointEvent int

const (
	endpointNone endpointEvent = iota
	endpointStart
	endpointEnd
)

// endpointer segments a frame stream into utterances. Not safe for
// concurrent use.
type endpointer struct {
	cfg EndpointConfig

	preroll  []audio.Frame
	preDur   time.Duration
	voiced   time.Duration
	silence  time.Duration
	inSpeech bool
	total    time.Duration
	samples  []int16
	rate     int
}

func newEndpointer(cfg EndpointConfig) *endpointer {
	return &endpointer{cfg: cfg.withDefaults()}
}

// Push feeds one frame and reports whether an utterance started or ended.
// After endpointEnd, Utterance returns the captured audio.
func (e *endpointer) Push(f audio.Frame) endpointEvent {
	d := f.Duration()
	loud := audio.RMS(f.Samples) >= e.cfg.SpeechRMS
	if e.rate == 0 {
		e.rate = f.SampleRate
	}

	if !e.inSpeech {
		if loud {
			e.voiced += d
		} else {
			e.voiced = 0
		}
		e.preroll = append(e.preroll, f)
		e.preDur += d
		for len(e.preroll) > 1 && e.preDur-e.preroll[0].Duration() >= e.cfg.PreRoll+e.voiced {
			e.preDur -= e.preroll[0].Duration()
			e.preroll = e.preroll[1:]
		}
		if e.voiced < e.cfg.MinSpeech {
			return endpointNone
		}
		e.inSpeech = true
		e.silence = 0
		e.total = 0
		e.samples = e.samples[:0]
		for _, p := range e.preroll {
			e.samples = append(e.samples, p.Samples...)
			e.total += p.Duration()
		}
		e.preroll = e.preroll[:0]
		e.preDur = 0
		return endpointStart
	}

	e.samples = append(e.samples, f.Samples...)
	e.total += d
	if loud {
		e.silence = 0
	} else {
		e.silence += d
	}
	if e.silence >= e.cfg.Hangover || e.total >= e.cfg.MaxUtterance {
		e.inSpeech = false
		e.voiced = 0
		return endpointEnd
	}
	return endpointNone
}

// InSpeech reports whether an utterance is being captured.
func (e *endpointer) InSpeech() bool { return e.inSpeech }

// Utterance returns and clears the captured audio.
func (e *endpointer) Utterance() ([]int16, int) {
	out := make([]int16, len(e.samples))
	copy(out, e.samples)
	e.samples = e.samples[:0]
	e.inSpeech = false
	e.voiced = 0
	return out, e.rate
}
