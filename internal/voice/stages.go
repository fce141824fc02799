package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/brain"
	"github.com/ent0n29/hearth/internal/reliability"
	"github.com/ent0n29/hearth/internal/stage"
)

// VoiceOptions selects the synthesis voice.
type VoiceOptions struct {
	VoiceID  string
	ModelID  string
	Settings TTSSettings
}

// Transcript is one recognition result. Partial results may be revised;
// a final one ends an utterance.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
	At         time.Time
}

// commitGrace bounds how long Transcribe waits for the last committed
// transcript after its input ends.
const commitGrace = 2 * time.Second

// Transcribe streams frames into a new STT session and yields its
// transcripts. Closing frames commits any pending speech; the stream ends
// once the provider has answered or commitGrace passes.
func Transcribe(ctx context.Context, provider STTProvider, sessionID string, frames <-chan audio.Frame, size int) *stage.Stream[Transcript] {
	return stage.Run(ctx, "stt", size, func(ctx context.Context, out *stage.Emitter[Transcript]) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sess, events, err := provider.StartSession(ctx, sessionID)
		if err != nil {
			return reliability.Engine("stt", provider.Name(), err)
		}
		defer sess.Close()

		sendErr := make(chan error, 1)
		inputDone := make(chan struct{})
		go func() {
			defer close(inputDone)
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-frames:
					if !ok {
						if err := sess.Commit(ctx); err != nil && ctx.Err() == nil {
							sendErr <- fmt.Errorf("commit: %w", err)
						}
						return
					}
					if err := sess.SendAudio(ctx, f); err != nil {
						if ctx.Err() == nil {
							sendErr <- fmt.Errorf("send audio: %w", err)
						}
						return
					}
				}
			}
		}()

		var grace <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-sendErr:
				return reliability.Engine("stt", provider.Name(), err)
			case <-inputDone:
				inputDone = nil
				t := time.NewTimer(commitGrace)
				defer t.Stop()
				grace = t.C
			case <-grace:
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				switch ev.Type {
				case STTEventPartial, STTEventCommitted:
					text := strings.TrimSpace(ev.Text)
					if text == "" {
						continue
					}
					at := ev.Timestamp
					if at.IsZero() {
						at = time.Now()
					}
					t := Transcript{Text: text, Final: ev.Type == STTEventCommitted, Confidence: ev.Confidence, At: at}
					if err := out.Emit(t); err != nil {
						return err
					}
				case STTEventError:
					return &reliability.EngineError{
						Stage:     "stt",
						Provider:  provider.Name(),
						Cause:     fmt.Errorf("%s: %s", ev.Code, ev.Detail),
						Retryable: ev.Retryable,
					}
				}
			}
		}
	})
}

// Generate streams a model reply as text deltas.
func Generate(ctx context.Context, adapter brain.Adapter, req brain.MessageRequest, size int) *stage.Stream[string] {
	return stage.Run(ctx, "llm", size, func(ctx context.Context, out *stage.Emitter[string]) error {
		_, err := adapter.StreamResponse(ctx, req, func(delta string) error {
			if delta == "" {
				return nil
			}
			return out.Emit(delta)
		})
		if err != nil && ctx.Err() != nil {
			// The stage context decides between timeout and cancellation.
			return nil
		}
		return reliability.Engine("llm", adapter.Name(), err)
	})
}

// Sentences regroups streamed text into speakable sentences. The trailing
// fragment is released when the upstream completes.
func Sentences(ctx context.Context, size int, in *stage.Stream[string]) *stage.Stream[string] {
	var splitter sentenceSplitter
	emit := func(out *stage.Emitter[string], s string) error {
		if s = speakable(s); s == "" {
			return nil
		}
		return out.Emit(s)
	}
	return stage.Map(ctx, "sentences", size, in,
		func(_ context.Context, delta string, out *stage.Emitter[string]) error {
			for _, s := range splitter.Push(delta) {
				if err := emit(out, s); err != nil {
					return err
				}
			}
			return nil
		},
		func(_ context.Context, out *stage.Emitter[string]) error {
			return emit(out, splitter.Flush())
		},
	)
}

// Synthesize converts one piece of text to audio.
func Synthesize(ctx context.Context, provider TTSProvider, voice VoiceOptions, text string, size int) *stage.Stream[audio.Chunk] {
	return stage.Run(ctx, "tts", size, func(ctx context.Context, out *stage.Emitter[audio.Chunk]) error {
		stream, err := provider.StartStream(ctx, voice.VoiceID, voice.ModelID, voice.Settings)
		if err != nil {
			return reliability.Engine("tts", provider.Name(), err)
		}
		defer stream.Close()

		if err := stream.SendText(ctx, text, true); err != nil {
			return reliability.Engine("tts", provider.Name(), fmt.Errorf("send text: %w", err))
		}
		if err := stream.CloseInput(ctx); err != nil {
			return reliability.Engine("tts", provider.Name(), fmt.Errorf("close input: %w", err))
		}

		events := stream.Events()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				switch ev.Type {
				case TTSEventAudio:
					if len(ev.Audio) == 0 {
						continue
					}
					if err := out.Emit(audio.Chunk{PCM: ev.Audio, SampleRate: ev.SampleRate}); err != nil {
						return err
					}
				case TTSEventFinal:
					return nil
				case TTSEventError:
					return &reliability.EngineError{
						Stage:     "tts",
						Provider:  provider.Name(),
						Cause:     fmt.Errorf("%s: %s", ev.Code, ev.Detail),
						Retryable: ev.Retryable,
					}
				}
			}
		}
	})
}

// SpokenChunk is an audio chunk tagged with the sentence it belongs to.
type SpokenChunk struct {
	// Segment is the 1-based sentence number within the reply.
	Segment  uint64
	Sentence string
	Audio    audio.Chunk
}

// SpeechOptions configures Speech.
type SpeechOptions struct {
	Voice VoiceOptions
	// Inflight bounds how many sentences synthesize ahead of playback.
	Inflight int
	// SegmentTimeout bounds each sentence's synthesis. Zero disables it.
	SegmentTimeout time.Duration
	// OnSegment runs when a sentence's synthesis starts.
	OnSegment func(seq uint64, sentence string)
}

var errSegmentTimeout = errors.New("tts segment timeout")

// Speech synthesizes sentences concurrently and yields their audio in
// sentence order.
func Speech(ctx context.Context, provider TTSProvider, sentences *stage.Stream[string], size int, opts SpeechOptions) *stage.Stream[SpokenChunk] {
	start := func(ctx context.Context, seg stage.Chunk[string]) *stage.Stream[SpokenChunk] {
		if opts.OnSegment != nil {
			opts.OnSegment(seg.Seq, seg.Value)
		}
		return stage.Run(ctx, "speech", size, func(ctx context.Context, out *stage.Emitter[SpokenChunk]) error {
			segCtx, cancel := context.WithCancel(ctx)
			if opts.SegmentTimeout > 0 {
				segCtx, cancel = context.WithTimeoutCause(ctx, opts.SegmentTimeout, errSegmentTimeout)
			}
			defer cancel()

			audioStream := Synthesize(segCtx, provider, opts.Voice, seg.Value, size)
			for {
				c, ok := audioStream.Next(ctx)
				if !ok {
					break
				}
				if err := out.Emit(SpokenChunk{Segment: seg.Seq, Sentence: seg.Value, Audio: c.Value}); err != nil {
					audioStream.Stop()
					return err
				}
			}
			if err := audioStream.Err(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, context.DeadlineExceeded) {
					return &reliability.EngineError{Stage: "tts", Provider: provider.Name(), Cause: err, Retryable: true}
				}
				return err
			}
			return nil
		})
	}
	return stage.Concat(ctx, "speech", size, opts.Inflight, sentences, start)
}
