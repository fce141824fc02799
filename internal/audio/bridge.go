package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrBridgeBusy is returned when a second client tries to attach.
	ErrBridgeBusy = errors.New("audio bridge already attached")

	// ErrBridgeDetached is returned by playback with no client attached,
	// including a client that leaves while playback waits.
	ErrBridgeDetached = errors.New("audio bridge has no client")
)

// Bridge is a Source and Sink backed by a remote client (a browser over
// websocket). Captured audio is pushed in by the transport; playback chunks
// are pulled out by it. Only one client may be attached at a time.
type Bridge struct {
	sampleRate int

	mu       sync.Mutex
	attached bool
	gone     chan struct{}
	closed   bool
	seq      uint64
	dropped  uint64
	playEnd  time.Time
	frames   chan Frame
	outbound chan Chunk
	flushes  chan struct{}
	now      func() time.Time
}

// NewBridge creates a bridge expecting capture at sampleRate.
func NewBridge(sampleRate int) *Bridge {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Bridge{
		sampleRate: sampleRate,
		frames:     make(chan Frame, 64),
		outbound:   make(chan Chunk, 32),
		flushes:    make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Attach claims the bridge for a client.
func (b *Bridge) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached {
		return ErrBridgeBusy
	}
	b.attached = true
	b.gone = make(chan struct{})
	return nil
}

// Detach releases the bridge and discards queued playback.
func (b *Bridge) Detach() {
	b.mu.Lock()
	if b.attached {
		close(b.gone)
	}
	b.attached = false
	b.playEnd = time.Time{}
	b.mu.Unlock()
	b.drainOutbound()
}

// Attached reports whether a client is connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// PushPCM accepts captured PCM16LE mono audio at rate. When the capture
// queue is full the oldest frame is dropped.
func (b *Bridge) PushPCM(pcm []byte, rate int) {
	samples := BytesToSamples(pcm)
	if rate > 0 && rate != b.sampleRate {
		samples = Resample(samples, rate, b.sampleRate)
	}
	if len(samples) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	f := Frame{Seq: b.seq, Samples: samples, SampleRate: b.sampleRate, CapturedAt: b.now()}
	for {
		select {
		case b.frames <- f:
			return
		default:
		}
		select {
		case <-b.frames:
			b.dropped++
		default:
		}
	}
}

// Dropped returns how many capture frames were discarded.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start returns the capture channel. It is closed by Close.
func (b *Bridge) Start(context.Context) (<-chan Frame, error) {
	return b.frames, nil
}

func (b *Bridge) Err() error { return nil }

// Outbound yields chunks to send to the client.
func (b *Bridge) Outbound() <-chan Chunk { return b.outbound }

// Flushes signals the transport to tell the client to stop playback.
func (b *Bridge) Flushes() <-chan struct{} { return b.flushes }

// client returns the detach signal of the attached client.
func (b *Bridge) client() (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil, ErrBridgeDetached
	}
	return b.gone, nil
}

// Play queues chunk for the client, waiting while the queue is full. It
// fails with ErrBridgeDetached when no client is attached or the client
// leaves before the chunk is queued.
func (b *Bridge) Play(ctx context.Context, chunk Chunk) error {
	gone, err := b.client()
	if err != nil {
		return err
	}
	select {
	case b.outbound <- chunk:
	case <-gone:
		return ErrBridgeDetached
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	now := b.now()
	if b.playEnd.Before(now) {
		b.playEnd = now
	}
	b.playEnd = b.playEnd.Add(chunk.Duration())
	b.mu.Unlock()
	return nil
}

// Drain waits until the client should have finished playing queued audio.
func (b *Bridge) Drain(ctx context.Context) error {
	b.mu.Lock()
	wait := b.playEnd.Sub(b.now())
	gone := b.gone
	attached := b.attached
	b.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	if !attached {
		return ErrBridgeDetached
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-gone:
		return ErrBridgeDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) Flush() error {
	b.drainOutbound()
	b.mu.Lock()
	b.playEnd = time.Time{}
	b.mu.Unlock()
	select {
	case b.flushes <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bridge) drainOutbound() {
	for {
		select {
		case <-b.outbound:
		default:
			return
		}
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.frames)
	return nil
}
