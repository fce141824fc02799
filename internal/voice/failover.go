package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ent0n29/hearth/internal/logging"
)

// NewFailoverPair builds STT/TTS providers that prefer the primary backend
// and switch to the fallback when a session or stream fails to start. The
// switch is shared by both halves so speech and transcription move
// together. Once on the fallback, the primary is retried only when the
// fallback itself fails.
func NewFailoverPair(primarySTT STTProvider, primaryTTS TTSProvider, fallbackSTT STTProvider, fallbackTTS TTSProvider, fallbackVoice VoiceOptions, logger *slog.Logger) (STTProvider, TTSProvider) {
	state := &failoverState{logger: logging.OrDiscard(logger)}
	return &failoverSTT{state: state, primary: primarySTT, fallback: fallbackSTT},
		&failoverTTS{state: state, primary: primaryTTS, fallback: fallbackTTS, fallbackVoice: fallbackVoice}
}

type failoverState struct {
	onFallback atomic.Bool
	logger     *slog.Logger
}

func (s *failoverState) set(fallback bool, reason error) {
	if s.onFallback.Swap(fallback) != fallback {
		s.logger.Warn("voice provider switched", "fallback", fallback, "reason", reason)
	}
}

// try runs the preferred backend first, then the other one.
func try[T any](s *failoverState, kind string, primary, fallback func() (T, error)) (T, error) {
	if s.onFallback.Load() {
		v, fbErr := fallback()
		if fbErr == nil {
			return v, nil
		}
		v, prErr := primary()
		if prErr == nil {
			s.set(false, fbErr)
			return v, nil
		}
		var zero T
		return zero, fmt.Errorf("%s fallback failed: %w; primary failed: %w", kind, fbErr, prErr)
	}

	v, prErr := primary()
	if prErr == nil {
		return v, nil
	}
	if errors.Is(prErr, context.Canceled) {
		var zero T
		return zero, prErr
	}
	v, fbErr := fallback()
	if fbErr != nil {
		var zero T
		return zero, fmt.Errorf("%s primary failed: %w; fallback failed: %w", kind, prErr, fbErr)
	}
	s.set(true, prErr)
	return v, nil
}

type failoverSTT struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTT) Name() string {
	if p.state.onFallback.Load() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

type sttStart struct {
	session STTSession
	events  <-chan STTEvent
}

func (p *failoverSTT) StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error) {
	start := func(provider STTProvider) func() (sttStart, error) {
		return func() (sttStart, error) {
			s, ev, err := provider.StartSession(ctx, sessionID)
			return sttStart{s, ev}, err
		}
	}
	got, err := try(p.state, "stt", start(p.primary), start(p.fallback))
	if err != nil {
		return nil, nil, err
	}
	return got.session, got.events, nil
}

type failoverTTS struct {
	state         *failoverState
	primary       TTSProvider
	fallback      TTSProvider
	fallbackVoice VoiceOptions
}

func (p *failoverTTS) Name() string {
	if p.state.onFallback.Load() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

func (p *failoverTTS) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	fbVoice, fbModel := voiceID, modelID
	if p.fallbackVoice.VoiceID != "" {
		fbVoice = p.fallbackVoice.VoiceID
	}
	if p.fallbackVoice.ModelID != "" {
		fbModel = p.fallbackVoice.ModelID
	}
	return try(p.state, "tts",
		func() (TTSStream, error) { return p.primary.StartStream(ctx, voiceID, modelID, settings) },
		func() (TTSStream, error) { return p.fallback.StartStream(ctx, fbVoice, fbModel, settings) },
	)
}
