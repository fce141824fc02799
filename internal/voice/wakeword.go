package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/logging"
	"github.com/ent0n29/hearth/internal/reliability"
)

// DefaultWakePhrases are used when none are configured.
var DefaultWakePhrases = []string{"hearth"}

// PhraseDetector spots the wake phrase in STT transcripts. Only a phrase at
// the start of an utterance counts, optionally after "hey", "hi" or "ok".
type PhraseDetector struct {
	stt    STTProvider
	re     *regexp.Regexp
	logger *slog.Logger
}

func NewPhraseDetector(stt STTProvider, phrases []string, logger *slog.Logger) *PhraseDetector {
	if len(phrases) == 0 {
		phrases = DefaultWakePhrases
	}
	return &PhraseDetector{
		stt:    stt,
		re:     wakePhraseRegexp(phrases),
		logger: logging.OrDiscard(logger),
	}
}

func wakePhraseRegexp(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(strings.ToLower(p))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `[\s,.-]+`))
	}
	return regexp.MustCompile(`(?i)^\s*(?:(?:hey|hi|ok|okay)\b[\s,.:;!?-]*)?(?:` + strings.Join(alts, "|") + `)\b[\s,.:;!?-]*(.*)$`)
}

func (d *PhraseDetector) Name() string { return "phrase" }

// Match reports whether text opens with a wake phrase and returns what
// followed it.
func (d *PhraseDetector) Match(text string) (bool, string) {
	m := d.re.FindStringSubmatch(text)
	if m == nil {
		return false, ""
	}
	return true, strings.TrimSpace(m[1])
}

func (d *PhraseDetector) Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan WakeEvent, error) {
	out := make(chan WakeEvent, 1)
	go func() {
		defer close(out)
		for attempt := 0; ; attempt++ {
			stream := Transcribe(ctx, d.stt, "wakeword", frames, 0)
			for {
				c, ok := stream.Next(ctx)
				if !ok {
					break
				}
				if !c.Value.Final {
					continue
				}
				hit, rest := d.Match(c.Value.Text)
				if !hit {
					continue
				}
				attempt = 0
				select {
				case out <- WakeEvent{Phrase: c.Value.Text, Remainder: rest, Confidence: c.Value.Confidence, At: c.Value.At}:
				case <-ctx.Done():
					return
				}
			}
			err := stream.Err()
			if ctx.Err() != nil || err == nil || reliability.IsCanceled(err) {
				return
			}
			wait := wakeRetry.Delay(attempt)
			d.logger.Warn("wake word transcription failed", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var wakeRetry = reliability.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}

// WorkerDetector runs an external wake word engine (openWakeWord, Porcupine)
// as a subprocess. Raw 16 kHz PCM16LE is written to its stdin; it answers
// with one JSON object per detection on stdout:
//
//	{"keyword":"hey_hearth","score":0.91}
type WorkerDetector struct {
	command   []string
	threshold float64
	logger    *slog.Logger
}

// WorkerSampleRate is the audio rate fed to the worker.
const WorkerSampleRate = 16000

func NewWorkerDetector(command []string, threshold float64, logger *slog.Logger) (*WorkerDetector, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, reliability.Configf("wake word worker command is required")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &WorkerDetector{command: command, threshold: threshold, logger: logging.OrDiscard(logger)}, nil
}

func (d *WorkerDetector) Name() string { return "worker" }

type workerDetection struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
	Error   string  `json:"error"`
}

func (d *WorkerDetector) Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan WakeEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, d.command[0], d.command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, reliability.Engine("wakeword", d.Name(), fmt.Errorf("start %s: %w", d.command[0], err))
	}

	go d.feed(ctx, stdin, frames)

	out := make(chan WakeEvent, 1)
	go func() {
		defer close(out)
		defer cancel()
		d.read(ctx, stdout, out)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			d.logger.Error("wake word worker exited", "error", err, "stderr", strings.TrimSpace(stderr.String()))
		}
	}()
	return out, nil
}

func (d *WorkerDetector) feed(ctx context.Context, stdin io.WriteCloser, frames <-chan audio.Frame) {
	defer stdin.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			samples := audio.Resample(f.Samples, f.SampleRate, WorkerSampleRate)
			if _, err := stdin.Write(audio.SamplesToBytes(samples)); err != nil {
				return
			}
		}
	}
}

func (d *WorkerDetector) read(ctx context.Context, stdout io.Reader, out chan<- WakeEvent) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var det workerDetection
		if err := json.Unmarshal(line, &det); err != nil {
			d.logger.Debug("wake word worker output ignored", "line", string(line))
			continue
		}
		if det.Error != "" {
			d.logger.Warn("wake word worker error", "error", det.Error)
			continue
		}
		if det.Score < d.threshold {
			continue
		}
		select {
		case out <- WakeEvent{Phrase: det.Keyword, Confidence: det.Score, At: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// MockDetector fires only when Trigger is called. Frames are consumed and
// discarded.
type MockDetector struct {
	mu      sync.Mutex
	targets []chan WakeEvent
}

func NewMockDetector() *MockDetector { return &MockDetector{} }

func (d *MockDetector) Name() string { return "mock" }

func (d *MockDetector) Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan WakeEvent, error) {
	out := make(chan WakeEvent, 4)
	d.mu.Lock()
	d.targets = append(d.targets, out)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			for i, t := range d.targets {
				if t == out {
					d.targets = append(d.targets[:i], d.targets[i+1:]...)
					break
				}
			}
			close(out)
			d.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-frames:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// Listeners returns how many Detect calls are active.
func (d *MockDetector) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// Trigger emits a wake event carrying remainder to every active Detect.
func (d *MockDetector) Trigger(remainder string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.targets {
		select {
		case t <- WakeEvent{Phrase: "mock", Remainder: remainder, Confidence: 1, At: time.Now()}:
		default:
		}
	}
}
