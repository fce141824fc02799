package voice

import (
	"context"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
)

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Source     string
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  time.Time
}

// STTSession accepts captured audio for one listening session.
type STTSession interface {
	SendAudio(ctx context.Context, frame audio.Frame) error
	// Commit finalizes whatever audio is buffered as an utterance.
	Commit(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	Name() string
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type       TTSEventType
	Audio      []byte
	SampleRate int
	Code       string
	Detail     string
	Retryable  bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	Name() string
	StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}

// WakeEvent signals that the wake phrase was heard. Remainder carries any
// command spoken in the same breath ("hey hearth, what time is it").
type WakeEvent struct {
	Phrase     string
	Remainder  string
	Confidence float64
	At         time.Time
}

// WakeWordDetector watches audio while the assistant is dormant.
type WakeWordDetector interface {
	Name() string
	// Detect consumes frames until ctx ends or frames closes. The returned
	// channel is closed when detection stops.
	Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan WakeEvent, error)
}
