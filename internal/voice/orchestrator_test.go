package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/brain"
	"github.com/ent0n29/hearth/internal/logging"
	"github.com/ent0n29/hearth/internal/memory"
	"github.com/ent0n29/hearth/internal/protocol"
	"github.com/ent0n29/hearth/internal/reliability"
	"github.com/ent0n29/hearth/internal/session"
	"github.com/ent0n29/hearth/internal/speaker"
)

type harness struct {
	o     *Orchestrator
	state *session.State
	wake  *MockDetector
	stt   *scriptSTT
	tts   *scriptTTS
	brain *scriptBrain
	sink  *recordingSink
	src   *chanSource
	pub   *recordingPublisher
	done  chan error
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *recordingPublisher) Publish(msg any) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) turnEnds() []protocol.AssistantTurnEnd {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.AssistantTurnEnd
	for _, m := range p.msgs {
		if e, ok := m.(protocol.AssistantTurnEnd); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) systemCodes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if e, ok := m.(protocol.SystemEvent); ok {
			out = append(out, e.Code)
		}
	}
	return out
}

func newHarness(t *testing.T, idle time.Duration, mutate func(*Config)) *harness {
	t.Helper()
	state, err := session.New(session.Options{MaxTurns: 10, IdleTimeout: idle})
	require.NoError(t, err)
	h := &harness{
		state: state,
		wake:  NewMockDetector(),
		stt:   &scriptSTT{},
		tts:   &scriptTTS{chunks: 2},
		brain: &scriptBrain{},
		sink:  &recordingSink{},
		src:   newChanSource(),
		pub:   &recordingPublisher{},
		done:  make(chan error, 1),
	}
	cfg := Config{
		Session:   state,
		Wake:      h.wake,
		STT:       h.stt,
		TTS:       h.tts,
		Brain:     h.brain,
		Source:    h.src,
		Sink:      h.sink,
		CancelAck: time.Second,
		Publisher: h.pub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.o, err = NewOrchestrator(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("orchestrator did not stop")
		}
	})
	waitFor(t, "wake detector", func() bool { return h.wake.Listeners() == 1 })
	return h
}

func (h *harness) wakeUp(t *testing.T, remainder string) {
	t.Helper()
	h.wake.Trigger(remainder)
	waitFor(t, "session active", h.state.Active)
	waitFor(t, "stt session", func() bool { return h.stt.current() != nil })
}

func (h *harness) say(t *testing.T, text string) {
	t.Helper()
	waitFor(t, "utterance delivered", func() bool {
		s := h.stt.current()
		return s != nil && s.push(STTEvent{Type: STTEventCommitted, Text: text, Confidence: 0.9})
	})
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, "phase "+string(p), func() bool { return h.o.Phase() == p })
}

func slowTTS() *scriptTTS {
	return &scriptTTS{chunks: 20, gap: 20 * time.Millisecond}
}

func TestOrchestratorRejectsIncompleteConfig(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	assert.ErrorIs(t, err, reliability.ErrConfigInvalid)

	state, err := session.New(session.Options{MaxTurns: 4})
	require.NoError(t, err)
	_, err = NewOrchestrator(Config{
		Session: state, Wake: NewMockDetector(), STT: &scriptSTT{}, TTS: &scriptTTS{},
		Brain: &scriptBrain{}, Source: newChanSource(), Sink: &recordingSink{}, QueueSize: -1,
	})
	assert.ErrorIs(t, err, reliability.ErrConfigInvalid)
}

func TestControlRequiresRunningOrchestrator(t *testing.T) {
	state, err := session.New(session.Options{MaxTurns: 4})
	require.NoError(t, err)
	o, err := NewOrchestrator(Config{
		Session: state, Wake: NewMockDetector(), STT: &scriptSTT{}, TTS: &scriptTTS{},
		Brain: &scriptBrain{}, Source: newChanSource(), Sink: &recordingSink{},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, o.Wake(context.Background(), ""), ErrNotRunning)
	assert.Equal(t, PhaseDormant, o.Phase())
}

func TestWakeReplyAndReturnToListening(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.brain.reply = func(int, brain.MessageRequest) ([]string, error) {
		return []string{"It is ", "sunny. ", "Enjoy it."}, nil
	}
	h.wakeUp(t, "")
	assert.Equal(t, PhaseListening, h.o.Phase())

	h.say(t, "what's the weather like")
	waitFor(t, "reply stored", func() bool { return h.state.Memory().Len() == 2 })
	h.waitPhase(t, PhaseListening)

	turns := h.state.Memory().Snapshot()
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "what's the weather like", turns[0].Content)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
	assert.Equal(t, "It is sunny. Enjoy it.", turns[1].Content)

	played, _ := h.sink.stats()
	assert.Equal(t, 4, played)
	assert.Equal(t, []string{"It is sunny.", "Enjoy it."}, h.tts.spoken())

	reqs := h.brain.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what's the weather like", reqs[0].InputText)
	assert.Empty(t, reqs[0].Context)
	assert.Equal(t, h.state.ID(), reqs[0].SessionID)

	ends := h.pub.turnEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.TurnCompleted, ends[0].Reason)
}

func TestSecondTurnSeesHistory(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.wakeUp(t, "")
	h.say(t, "my name is Sam")
	waitFor(t, "first reply", func() bool { return h.state.Memory().Len() == 2 })
	h.waitPhase(t, PhaseListening)

	h.say(t, "what is my name")
	waitFor(t, "second request", func() bool { return len(h.brain.calls()) == 2 })
	ctx := h.brain.calls()[1].Context
	assert.Contains(t, ctx, "my name is Sam")
	assert.Contains(t, ctx, "Okay.")
	assert.NotContains(t, ctx, "what is my name")
}

func TestExitPhraseEndsSessionWithoutModelCall(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.wakeUp(t, "")
	h.say(t, "okay goodbye")

	h.waitPhase(t, PhaseDormant)
	assert.False(t, h.state.Active())
	assert.Zero(t, h.state.Memory().Len())
	assert.Empty(t, h.brain.calls())
	assert.Contains(t, h.pub.systemCodes(), "farewell")
	assert.Empty(t, h.tts.spoken())
}

func TestSpokenFarewell(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.SpeakFarewell = true
		c.Farewell = "See you."
	})
	h.wakeUp(t, "")
	h.say(t, "goodbye")
	waitFor(t, "farewell spoken", func() bool { return h.tts.said("See you.") })
	assert.Equal(t, PhaseDormant, h.o.Phase())
}

func TestWakeRemainderIsDispatched(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.wake.Trigger("what time is it")
	waitFor(t, "request", func() bool { return len(h.brain.calls()) == 1 })
	assert.Equal(t, "what time is it", h.brain.calls()[0].InputText)
	waitFor(t, "reply stored", func() bool { return h.state.Memory().Len() == 2 })
}

func TestExitDuringSpeechStopsPlayback(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.TTS = slowTTS() })
	tts := h.o.cfg.TTS.(*scriptTTS)
	h.brain.reply = func(int, brain.MessageRequest) ([]string, error) {
		return []string{"Once upon a time there was a fox. ", "It ran far away."}, nil
	}
	h.wakeUp(t, "")
	h.say(t, "tell me a story")
	waitFor(t, "playback started", func() bool { p, _ := h.sink.stats(); return p >= 1 })
	h.waitPhase(t, PhaseSpeaking)

	h.say(t, "stop")
	h.waitPhase(t, PhaseDormant)
	played, flushes := h.sink.stats()
	assert.GreaterOrEqual(t, flushes, 1)
	assert.Zero(t, h.state.Memory().Len())
	assert.False(t, h.state.Active())

	time.Sleep(150 * time.Millisecond)
	after, _ := h.sink.stats()
	assert.Equal(t, played, after, "audio played after the session ended")
	assert.Less(t, after, 40)
	assert.NotEmpty(t, tts.spoken())
}

func TestUtteranceDuringReplyIsIgnoredWithoutBargeIn(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.TTS = slowTTS() })
	h.wakeUp(t, "")
	h.say(t, "tell me a story")
	waitFor(t, "playback started", func() bool { p, _ := h.sink.stats(); return p >= 1 })
	h.say(t, "and another thing")
	waitFor(t, "reply stored", func() bool { return h.state.Memory().Len() == 2 })
	assert.Len(t, h.brain.calls(), 1)
}

func TestBargeInInterruptsReply(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.TTS = slowTTS()
		c.BargeIn = true
	})
	h.brain.reply = func(n int, _ brain.MessageRequest) ([]string, error) {
		if n == 1 {
			return []string{"Once upon a time there was a fox. ", "It ran far away."}, nil
		}
		return []string{"It is noon."}, nil
	}
	h.wakeUp(t, "")
	h.say(t, "tell me a story")
	waitFor(t, "playback started", func() bool { p, _ := h.sink.stats(); return p >= 1 })

	h.say(t, "what time is it")
	waitFor(t, "second request", func() bool { return len(h.brain.calls()) == 2 })
	waitFor(t, "second reply stored", func() bool { return h.state.Memory().Len() == 4 })
	h.waitPhase(t, PhaseListening)

	turns := h.state.Memory().Snapshot()
	assert.Equal(t, "tell me a story", turns[0].Content)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
	assert.Contains(t, turns[1].Content, "Once upon a time")
	assert.NotContains(t, turns[1].Content, "far away")
	assert.Equal(t, "what time is it", turns[2].Content)
	assert.Equal(t, "It is noon.", turns[3].Content)

	assert.Contains(t, h.brain.calls()[1].Context, "Once upon a time")
	assert.Equal(t, 1, h.state.Snapshot().InterruptionCount)

	var reasons []string
	for _, e := range h.pub.turnEnds() {
		reasons = append(reasons, e.Reason)
	}
	assert.Equal(t, []string{protocol.TurnBargeIn, protocol.TurnCompleted}, reasons)
}

func TestEngineFailureSpeaksApology(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.brain.reply = func(int, brain.MessageRequest) ([]string, error) {
		return nil, errScripted
	}
	h.wakeUp(t, "")
	h.say(t, "hello")

	waitFor(t, "apology", func() bool { return h.tts.said(DefaultApology) })
	h.waitPhase(t, PhaseListening)
	assert.True(t, h.state.Active())
	assert.Equal(t, 1, h.state.Memory().Len())

	ends := h.pub.turnEnds()
	require.NotEmpty(t, ends)
	assert.Equal(t, protocol.TurnFailed, ends[0].Reason)
}

func TestGenerationTimeoutSpeaksApology(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.GenerationTimeout = 50 * time.Millisecond })
	h.brain.block = true
	h.wakeUp(t, "")
	h.say(t, "hello")

	waitFor(t, "apology", func() bool { return h.tts.said(DefaultApology) })
	h.waitPhase(t, PhaseListening)
	assert.True(t, h.state.Active())
}

func TestLongReplyOutlastsGenerationTimeout(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.QueueSize = 2
		c.TTSInflight = 1
		c.GenerationTimeout = 300 * time.Millisecond
	})
	h.tts.delay = func(string) time.Duration { return 40 * time.Millisecond }
	var lines []string
	for i := 1; i <= 25; i++ {
		lines = append(lines, fmt.Sprintf("Line %d.", i))
	}
	h.brain.reply = func(int, brain.MessageRequest) ([]string, error) {
		deltas := make([]string, len(lines))
		for i, l := range lines {
			deltas[i] = l + " "
		}
		return deltas, nil
	}
	h.wakeUp(t, "")
	h.say(t, "read me the list")

	waitFor(t, "reply remembered", func() bool { return h.state.Memory().Len() == 2 })
	h.waitPhase(t, PhaseListening)
	assert.Equal(t, lines, h.tts.spoken())
	assert.False(t, h.tts.said(DefaultApology))
	assert.Equal(t, strings.Join(lines, " "), h.state.Memory().Snapshot()[1].Content)

	ends := h.pub.turnEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.TurnCompleted, ends[0].Reason)
}

func TestGenerationTimeoutWithUnresponsiveModel(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.GenerationTimeout = 200 * time.Millisecond })
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	h.brain.stuck = stuck
	h.wakeUp(t, "")
	start := time.Now()
	h.say(t, "hello")

	waitFor(t, "apology", func() bool { return h.tts.said(DefaultApology) })
	h.waitPhase(t, PhaseListening)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, h.state.Active())
	assert.Equal(t, 1, h.state.Memory().Len())

	ends := h.pub.turnEnds()
	require.NotEmpty(t, ends)
	assert.Equal(t, protocol.TurnFailed, ends[0].Reason)
}

func TestFlushFailureIsLogged(t *testing.T) {
	var logs syncBuffer
	h := newHarness(t, 0, func(c *Config) { c.Logger = logging.New(&logs, "info", "text") })
	h.sink.flushErr = errScripted
	ctx := context.Background()
	require.NoError(t, h.o.Wake(ctx, ""))
	sid := h.state.ID()
	require.NotEmpty(t, sid)
	require.NoError(t, h.o.Sleep(ctx, ""))

	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, "playback flush failed") {
			line = l
			break
		}
	}
	require.NotEmpty(t, line, "no flush failure logged")
	assert.Contains(t, line, "level=WARN")
	assert.Contains(t, line, "session_id="+sid)
	assert.Contains(t, line, "scripted failure")
}

func TestPlaybackWithoutAudioClientEndsSession(t *testing.T) {
	bridge := audio.NewBridge(16000)
	h := newHarness(t, 0, func(c *Config) { c.Sink = bridge })
	h.wakeUp(t, "")
	h.say(t, "hello")

	h.waitPhase(t, PhaseDormant)
	assert.False(t, h.state.Active())
	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	var codes []string
	for _, m := range h.pub.msgs {
		if e, ok := m.(protocol.ErrorEvent); ok {
			codes = append(codes, e.Code)
		}
	}
	assert.Contains(t, codes, "device_unavailable")
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond, nil)
	h.wake.Trigger("")
	waitFor(t, "idle timeout", func() bool {
		for _, code := range h.pub.systemCodes() {
			if code == "idle_timeout" {
				return true
			}
		}
		return false
	})
	h.waitPhase(t, PhaseDormant)
	assert.False(t, h.state.Active())
}

func TestCaptureFailureStopsRun(t *testing.T) {
	state, err := session.New(session.Options{MaxTurns: 4})
	require.NoError(t, err)
	src := newChanSource()
	wake := NewMockDetector()
	o, err := NewOrchestrator(Config{
		Session: state, Wake: wake, STT: &scriptSTT{}, TTS: &scriptTTS{},
		Brain: &scriptBrain{}, Source: src, Sink: &recordingSink{},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	waitFor(t, "wake detector", func() bool { return wake.Listeners() == 1 })
	require.NoError(t, o.Wake(context.Background(), ""))

	src.fail(errors.New("usb unplugged"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, reliability.ErrDeviceUnavailable)
		assert.Contains(t, err.Error(), "usb unplugged")
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after capture failure")
	}
	assert.False(t, state.Active())
	assert.Equal(t, PhaseDormant, o.Phase())
}

func TestPlaybackFailureEndsSession(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sink.mu.Lock()
	h.sink.playErr = errors.New("device busy")
	h.sink.mu.Unlock()
	h.wakeUp(t, "")
	h.say(t, "hello")
	h.waitPhase(t, PhaseDormant)
	assert.False(t, h.state.Active())

	select {
	case err := <-h.done:
		t.Fatalf("Run returned after playback failure: %v", err)
	default:
	}
}

func TestSpeakerIdentification(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) {
		c.Speakers = fixedSpeaker{result: speaker.MatchResult{Name: "dad", Score: 0.91}}
		c.SpeakerSnippet = 60 * time.Millisecond
	})
	h.wakeUp(t, "")
	for i := 0; i < 5; i++ {
		h.src.frames <- tone(4000, 20*time.Millisecond, 16000)
	}
	waitFor(t, "speaker set", func() bool { return h.state.Speaker() == "dad" })

	h.say(t, "hello")
	waitFor(t, "request", func() bool { return len(h.brain.calls()) == 1 })
	assert.Equal(t, "dad", h.brain.calls()[0].Speaker)
}

func TestManualWakeAndSleep(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, h.o.Wake(ctx, ""))
	assert.True(t, h.state.Active())
	assert.Equal(t, PhaseListening, h.o.Phase())
	assert.True(t, h.o.Status().Running)

	require.NoError(t, h.o.Sleep(ctx, ""))
	assert.False(t, h.state.Active())
	assert.Equal(t, PhaseDormant, h.o.Phase())
	assert.Equal(t, session.StatusDormant, h.o.Status().Session.Status)
}

func TestDormantAudioGoesToWakeDetector(t *testing.T) {
	h := newHarness(t, 0, nil)
	for i := 0; i < 3; i++ {
		h.src.frames <- audio.Frame{Samples: make([]int16, 320), SampleRate: 16000}
	}
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, h.stt.current())
	assert.Equal(t, PhaseDormant, h.o.Phase())
}
