package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBridgeAttachIsExclusive(t *testing.T) {
	b := NewBridge(16000)
	if err := b.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := b.Attach(); !errors.Is(err, ErrBridgeBusy) {
		t.Fatalf("second Attach() error = %v, want ErrBridgeBusy", err)
	}
	b.Detach()
	if err := b.Attach(); err != nil {
		t.Fatalf("Attach() after Detach error = %v", err)
	}
}

func TestBridgePushDropsOldestWhenFull(t *testing.T) {
	b := NewBridge(16000)
	frames, _ := b.Start(context.Background())
	for i := 0; i < cap(b.frames)+5; i++ {
		b.PushPCM(make([]byte, 320), 16000)
	}
	if got := b.Dropped(); got != 5 {
		t.Fatalf("Dropped() = %d, want 5", got)
	}
	first := <-frames
	if first.Seq != 6 {
		t.Fatalf("first seq = %d, want 6", first.Seq)
	}
	_ = b.Close()
}

func TestBridgeResamplesCapture(t *testing.T) {
	b := NewBridge(16000)
	frames, _ := b.Start(context.Background())
	b.PushPCM(make([]byte, 960), 48000)
	f := <-frames
	if len(f.Samples) != 160 || f.SampleRate != 16000 {
		t.Fatalf("frame = %d samples @ %d, want 160 @ 16000", len(f.Samples), f.SampleRate)
	}
}

func TestBridgeFlushDiscardsPlayback(t *testing.T) {
	b := NewBridge(16000)
	ctx := context.Background()
	if err := b.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Play(ctx, Chunk{PCM: make([]byte, 3200), SampleRate: 16000}); err != nil {
			t.Fatalf("Play() error = %v", err)
		}
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	select {
	case <-b.Outbound():
		t.Fatalf("outbound chunk survived Flush")
	default:
	}
	select {
	case <-b.Flushes():
	default:
		t.Fatalf("Flush() did not signal the transport")
	}
	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() after Flush error = %v", err)
	}
}

func TestBridgePlayWithoutClientFails(t *testing.T) {
	b := NewBridge(16000)
	chunk := Chunk{PCM: make([]byte, 320), SampleRate: 16000}
	if err := b.Play(context.Background(), chunk); !errors.Is(err, ErrBridgeDetached) {
		t.Fatalf("Play() without client error = %v, want ErrBridgeDetached", err)
	}
}

func TestBridgeDetachWakesBlockedPlay(t *testing.T) {
	b := NewBridge(16000)
	if err := b.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	chunk := Chunk{PCM: make([]byte, 320), SampleRate: 16000}
	ctx := context.Background()
	queued := 0
	for ; queued < cap(b.outbound); queued++ {
		if err := b.Play(ctx, chunk); err != nil {
			t.Fatalf("Play() %d error = %v", queued, err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- b.Play(ctx, chunk) }()
	select {
	case err := <-errc:
		t.Fatalf("Play() on a full queue returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	b.Detach()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrBridgeDetached) {
			t.Fatalf("blocked Play() error = %v, want ErrBridgeDetached", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Detach did not wake the blocked Play")
	}
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain() after Detach error = %v", err)
	}
}
