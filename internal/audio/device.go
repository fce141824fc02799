package audio

import (
	"context"
	"sync"
	"time"
)

// Source delivers captured microphone frames until ctx ends or the device
// fails. The channel is closed when capture stops; Err reports why.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Err() error
	Close() error
}

// Sink plays synthesized audio in the order Play is called.
type Sink interface {
	// Play queues chunk for playback, blocking while the device buffer is full.
	Play(ctx context.Context, chunk Chunk) error
	// Drain blocks until all queued audio has been played.
	Drain(ctx context.Context) error
	// Flush discards queued audio immediately.
	Flush() error
	Close() error
}

// NullSource never produces frames. Used for headless runs driven through
// the HTTP surface.
type NullSource struct {
	closeOnce sync.Once
	done      chan struct{}
}

func NewNullSource() *NullSource {
	return &NullSource{done: make(chan struct{})}
}

func (s *NullSource) Start(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case <-s.done:
		}
	}()
	return out, nil
}

func (s *NullSource) Err() error { return nil }

func (s *NullSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// NullSink accepts audio and discards it, keeping counters for inspection.
type NullSink struct {
	mu      sync.Mutex
	chunks  int
	played  time.Duration
	flushes int
}

func NewNullSink() *NullSink { return &NullSink{} }

func (s *NullSink) Play(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.chunks++
	s.played += chunk.Duration()
	s.mu.Unlock()
	return nil
}

func (s *NullSink) Drain(context.Context) error { return nil }

func (s *NullSink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *NullSink) Close() error { return nil }

// Stats returns how many chunks were accepted and their total duration.
func (s *NullSink) Stats() (chunks int, played time.Duration, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.played, s.flushes
}
