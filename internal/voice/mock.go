package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
)

// MockProvider is the offline STT/TTS backend used when no real engine is
// configured. STT commits a fixed transcript per detected utterance; TTS
// produces silence sized to the text so playback timing stays realistic.
type MockProvider struct {
	// Transcript is committed for every utterance the endpointer detects.
	Transcript string
	// SampleRate of synthesized audio.
	SampleRate int
	// PerRune is the synthesized duration per character of text.
	PerRune time.Duration
	Endpoint EndpointConfig
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Transcript: "simulated voice input",
		SampleRate: 22050,
		PerRune:    8 * time.Millisecond,
	}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{
		events:     events,
		endpointer: newEndpointer(p.Endpoint),
		transcript: p.Transcript,
	}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	rate := p.SampleRate
	if rate <= 0 {
		rate = 22050
	}
	return &mockTTSStream{
		events:     make(chan TTSEvent, 128),
		done:       make(chan struct{}),
		sampleRate: rate,
		perRune:    p.PerRune,
	}, nil
}

type mockSTTSession struct {
	mu         sync.Mutex
	events     chan STTEvent
	endpointer *endpointer
	transcript string
	closed     bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	switch s.endpointer.Push(frame) {
	case endpointStart:
		s.emitLocked(STTEvent{Type: STTEventPartial, Text: "...", Confidence: 0.5})
	case endpointEnd:
		s.endpointer.Utterance()
		s.emitLocked(STTEvent{Type: STTEventCommitted, Text: s.transcript, Confidence: 0.7, Source: "mock"})
	}
	return nil
}

func (s *mockSTTSession) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.endpointer.InSpeech() {
		return nil
	}
	s.endpointer.Utterance()
	s.emitLocked(STTEvent{Type: STTEventCommitted, Text: s.transcript, Confidence: 0.7, Source: "mock_commit"})
	return nil
}

// emitLocked drops events nobody is reading rather than stalling capture.
func (s *mockSTTSession) emitLocked(ev STTEvent) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu         sync.Mutex
	events     chan TTSEvent
	done       chan struct{}
	closeOnce  sync.Once
	sampleRate int
	perRune    time.Duration
	text       strings.Builder
	started    bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.text.WriteString(text)
	}
	return nil
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	text := strings.TrimSpace(s.text.String())
	go s.play(ctx, time.Duration(len([]rune(text)))*s.perRune)
	return nil
}

// play owns the events channel once input is closed.
func (s *mockTTSStream) play(ctx context.Context, total time.Duration) {
	defer close(s.events)
	const chunk = 40 * time.Millisecond
	for total > 0 {
		d := min(chunk, total)
		total -= d
		n := int(d * time.Duration(s.sampleRate) / time.Second)
		if !s.send(ctx, TTSEvent{Type: TTSEventAudio, Audio: make([]byte, n*2), SampleRate: s.sampleRate}) {
			return
		}
	}
	s.send(ctx, TTSEvent{Type: TTSEventFinal})
}

func (s *mockTTSStream) send(ctx context.Context, ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
	case <-ctx.Done():
	}
	return false
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.started {
			s.started = true
			close(s.events)
		}
	})
	return nil
}
