package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/reliability"
)

type LocalConfig struct {
	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int
	WhisperBeamSize  int

	PiperBinary     string
	PiperModelPath  string
	PiperSampleRate int

	Endpoint EndpointConfig
}

type transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error)
}

type synthesizer interface {
	Synthesize(ctx context.Context, text string, out func([]byte) error) error
	SampleRate() int
}

// LocalProvider runs whisper.cpp for transcription and Piper for speech,
// both as subprocesses on the same machine.
type LocalProvider struct {
	cfg     LocalConfig
	whisper transcriber
	piper   synthesizer
}

func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	w, err := newWhisperCPP(cfg.WhisperCLI, cfg.WhisperModelPath, cfg.WhisperLanguage, cfg.WhisperThreads, cfg.WhisperBeamSize)
	if err != nil {
		return nil, err
	}
	p, err := newPiper(cfg.PiperBinary, cfg.PiperModelPath, cfg.PiperSampleRate)
	if err != nil {
		return nil, err
	}
	return &LocalProvider{cfg: cfg, whisper: w, piper: p}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	s := startLocalSTTSession(ctx, p.whisper, p.cfg.Endpoint)
	return s, s.events, nil
}

func (p *LocalProvider) StartStream(_ context.Context, _, _ string, _ TTSSettings) (TTSStream, error) {
	return newLocalTTSStream(p.piper), nil
}

// localSTTSession segments audio with the endpointer and transcribes each
// utterance on a single worker so results stay in speaking order.
type localSTTSession struct {
	mu         sync.Mutex
	endpointer *endpointer
	work       chan utterance
	events     chan STTEvent
	stopped    <-chan struct{}
	cancel     context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

type utterance struct {
	samples []int16
	rate    int
}

func startLocalSTTSession(ctx context.Context, t transcriber, cfg EndpointConfig) *localSTTSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &localSTTSession{
		endpointer: newEndpointer(cfg),
		work:       make(chan utterance, 4),
		events:     make(chan STTEvent, 32),
		stopped:    ctx.Done(),
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.worker(ctx, t)
	return s
}

func (s *localSTTSession) SendAudio(ctx context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	switch s.endpointer.Push(frame) {
	case endpointStart:
		s.sendEvent(STTEvent{Type: STTEventPartial, Source: "local_vad", Timestamp: time.Now()})
	case endpointEnd:
		return s.enqueueLocked(ctx)
	}
	return nil
}

func (s *localSTTSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.endpointer.InSpeech() {
		return nil
	}
	return s.enqueueLocked(ctx)
}

func (s *localSTTSession) enqueueLocked(ctx context.Context) error {
	samples, rate := s.endpointer.Utterance()
	select {
	case s.work <- utterance{samples: samples, rate: rate}:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *localSTTSession) sendEvent(ev STTEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *localSTTSession) worker(ctx context.Context, t transcriber) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.work:
			text, err := t.Transcribe(ctx, u.samples, u.rate)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.sendEvent(STTEvent{Type: STTEventError, Code: "whisper_failed", Detail: err.Error(), Source: "local", Timestamp: time.Now()})
				continue
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			select {
			case s.events <- STTEvent{Type: STTEventCommitted, Text: text, Source: "local", Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *localSTTSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.events)
	return nil
}

// localTTSStream synthesizes the accumulated text once input is closed.
type localTTSStream struct {
	mu      sync.Mutex
	synth   synthesizer
	text    strings.Builder
	started bool
	events  chan TTSEvent
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func newLocalTTSStream(synth synthesizer) *localTTSStream {
	return &localTTSStream{
		synth:  synth,
		events: make(chan TTSEvent, 64),
		done:   make(chan struct{}),
		cancel: func() {},
	}
}

func (s *localTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("local tts: input already closed")
	}
	s.text.WriteString(text)
	return nil
}

func (s *localTTSStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx, strings.TrimSpace(s.text.String()))
	return nil
}

func (s *localTTSStream) run(ctx context.Context, text string) {
	defer close(s.done)
	defer close(s.events)
	if text == "" {
		s.emit(ctx, TTSEvent{Type: TTSEventFinal})
		return
	}
	rate := s.synth.SampleRate()
	err := s.synth.Synthesize(ctx, text, func(pcm []byte) error {
		if !s.emit(ctx, TTSEvent{Type: TTSEventAudio, Audio: pcm, SampleRate: rate}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			s.emit(ctx, TTSEvent{Type: TTSEventError, Code: "piper_failed", Detail: err.Error()})
		}
		return
	}
	s.emit(ctx, TTSEvent{Type: TTSEventFinal})
}

func (s *localTTSStream) emit(ctx context.Context, ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *localTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *localTTSStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		cancel := s.cancel
		s.mu.Unlock()

		cancel()
		if !started {
			close(s.events)
			close(s.done)
		}
	})
	<-s.done
	return nil
}

type whisperCPP struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	beamSize  int
}

func newWhisperCPP(cli, modelPath, language string, threads, beamSize int) (whisperCPP, error) {
	cli = strings.TrimSpace(cli)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return whisperCPP{}, reliability.Configf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return whisperCPP{}, reliability.Configf("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if abs, err := filepath.Abs(modelPath); err == nil {
		modelPath = abs
	}
	if _, err := os.Stat(modelPath); err != nil {
		return whisperCPP{}, reliability.Configf("whisper.cpp model not found: %s", modelPath)
	}
	if strings.TrimSpace(language) == "" {
		language = "en"
	}
	if threads < 0 {
		return whisperCPP{}, reliability.Configf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	if beamSize <= 0 {
		beamSize = 1
	}
	return whisperCPP{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		beamSize:  beamSize,
	}, nil
}

func (w whisperCPP) Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if sampleRate != 16000 {
		// whisper.cpp expects 16 kHz input.
		samples = audio.Resample(samples, sampleRate, 16000)
		sampleRate = 16000
	}
	tmpDir, err := os.MkdirTemp("", "hearth-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "utterance.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, audio.SamplesToBytes(samples), sampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(w.threads),
		"-bs", strconv.Itoa(w.beamSize),
	}
	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	stderr := newTailBuffer(8 << 10)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// piper runs one Piper process per synthesis. Text goes in on stdin and
// raw mono PCM16LE comes back on stdout at the voice model's rate.
type piper struct {
	binPath    string
	modelPath  string
	sampleRate int
}

func newPiper(bin, modelPath string, sampleRate int) (*piper, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "piper"
	}
	binPath, err := exec.LookPath(bin)
	if err != nil {
		return nil, reliability.Configf("piper binary not found (%s)", bin)
	}
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return nil, reliability.Configf("LOCAL_PIPER_MODEL_PATH is required")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, reliability.Configf("piper model not found: %s", modelPath)
	}
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &piper{binPath: binPath, modelPath: modelPath, sampleRate: sampleRate}, nil
}

func (p *piper) SampleRate() int { return p.sampleRate }

func (p *piper) Synthesize(ctx context.Context, text string, out func([]byte) error) error {
	cmd := exec.CommandContext(ctx, p.binPath, "--model", p.modelPath, "--output-raw")
	cmd.Stdin = strings.NewReader(text + "\n")
	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	// 100ms of audio per chunk, kept even so samples never straddle chunks.
	buf := make([]byte, (p.sampleRate/10)*2)
	var readErr error
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			n -= n % 2
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := out(chunk); err != nil {
				readErr = err
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}
	if readErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return readErr
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("piper failed: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
