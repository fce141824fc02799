package voice

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/brain"
	"github.com/ent0n29/hearth/internal/speaker"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptSTT hands out sessions whose transcripts the test pushes.
type scriptSTT struct {
	mu       sync.Mutex
	sessions []*scriptSTTSession
	failNext error
}

func (p *scriptSTT) Name() string { return "script" }

func (p *scriptSTT) StartSession(context.Context, string) (STTSession, <-chan STTEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return nil, nil, err
	}
	s := &scriptSTTSession{events: make(chan STTEvent, 16)}
	p.sessions = append(p.sessions, s)
	return s, s.events, nil
}

func (p *scriptSTT) current() *scriptSTTSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if !p.sessions[i].isClosed() {
			return p.sessions[i]
		}
	}
	return nil
}

type scriptSTTSession struct {
	mu     sync.Mutex
	events chan STTEvent
	frames int
	closed bool
}

func (s *scriptSTTSession) SendAudio(context.Context, audio.Frame) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *scriptSTTSession) Commit(context.Context) error { return nil }

func (s *scriptSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *scriptSTTSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptSTTSession) push(ev STTEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// scriptTTS emits chunks per sentence, optionally paced or stalled.
type scriptTTS struct {
	chunks   int
	gap      time.Duration
	delay    func(text string) time.Duration
	hang     bool
	startErr error

	mu    sync.Mutex
	texts []string
}

func (p *scriptTTS) Name() string { return "script" }

func (p *scriptTTS) StartStream(context.Context, string, string, TTSSettings) (TTSStream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &scriptTTSStream{p: p, events: make(chan TTSEvent, 4), done: make(chan struct{})}, nil
}

func (p *scriptTTS) spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *scriptTTS) said(text string) bool {
	for _, s := range p.spoken() {
		if s == text {
			return true
		}
	}
	return false
}

type scriptTTSStream struct {
	p       *scriptTTS
	text    strings.Builder
	events  chan TTSEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	started bool
}

func (s *scriptTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.text.WriteString(text)
	return nil
}

func (s *scriptTTSStream) CloseInput(context.Context) error {
	text := s.text.String()
	s.p.mu.Lock()
	s.p.texts = append(s.p.texts, text)
	s.p.mu.Unlock()

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go func() {
		defer close(s.events)
		if s.p.hang {
			<-s.done
			return
		}
		if s.p.delay != nil && !s.sleep(s.p.delay(text)) {
			return
		}
		n := s.p.chunks
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if i > 0 && !s.sleep(s.p.gap) {
				return
			}
			select {
			case s.events <- TTSEvent{Type: TTSEventAudio, Audio: make([]byte, 640), SampleRate: 16000}:
			case <-s.done:
				return
			}
		}
		select {
		case s.events <- TTSEvent{Type: TTSEventFinal}:
		case <-s.done:
		}
	}()
	return nil
}

func (s *scriptTTSStream) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-s.done:
		return false
	}
}

func (s *scriptTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *scriptTTSStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.started {
			close(s.events)
		}
	})
	return nil
}

// scriptBrain answers each request through reply. A non-nil stuck holds
// every call until it is closed, whatever happens to the context.
type scriptBrain struct {
	reply func(n int, req brain.MessageRequest) ([]string, error)
	block bool
	stuck chan struct{}

	mu       sync.Mutex
	requests []brain.MessageRequest
}

func (b *scriptBrain) Name() string { return "script" }

func (b *scriptBrain) StreamResponse(ctx context.Context, req brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	n := len(b.requests)
	b.mu.Unlock()

	if b.stuck != nil {
		<-b.stuck
		return brain.MessageResponse{}, nil
	}
	if b.block {
		<-ctx.Done()
		return brain.MessageResponse{}, ctx.Err()
	}
	var deltas []string
	var err error
	if b.reply != nil {
		deltas, err = b.reply(n, req)
	} else {
		deltas = []string{"Okay."}
	}
	var full strings.Builder
	for _, d := range deltas {
		if ctx.Err() != nil {
			return brain.MessageResponse{}, ctx.Err()
		}
		full.WriteString(d)
		if herr := onDelta(d); herr != nil {
			return brain.MessageResponse{}, herr
		}
	}
	return brain.MessageResponse{Text: full.String()}, err
}

func (b *scriptBrain) calls() []brain.MessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brain.MessageRequest(nil), b.requests...)
}

// recordingSink counts played chunks and flushes.
type recordingSink struct {
	mu       sync.Mutex
	played   int
	flushes  int
	playErr  error
	flushErr error
}

func (s *recordingSink) Play(ctx context.Context, _ audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.played++
	return nil
}

func (s *recordingSink) Drain(context.Context) error { return nil }

func (s *recordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) stats() (played, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played, s.flushes
}

// chanSource delivers frames the test sends and fails on demand.
type chanSource struct {
	frames chan audio.Frame
	mu     sync.Mutex
	err    error
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan audio.Frame, 64)}
}

func (s *chanSource) Start(context.Context) (<-chan audio.Frame, error) { return s.frames, nil }

func (s *chanSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

func (s *chanSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	_ = s.Close()
}

type fixedSpeaker struct {
	result speaker.MatchResult
	err    error
}

func (f fixedSpeaker) IdentifyAudio(context.Context, []int16, int) (speaker.MatchResult, []speaker.Score, error) {
	return f.result, nil, f.err
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var errScripted = errors.New("scripted failure")
