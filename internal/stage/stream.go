// Package stage runs pipeline stages as producers writing into bounded
// queues that consumers pull from in order.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/hearth/internal/reliability"
)

// DefaultQueueSize bounds a stage's output queue when no size is given.
const DefaultQueueSize = 8

var (
	// ErrCanceled is reported by streams stopped through cancellation.
	ErrCanceled = reliability.ErrCanceled

	// ErrOutOfOrder is reported when a chunk arrives with a sequence number
	// that does not follow the previous one.
	ErrOutOfOrder = errors.New("stream chunk out of order")
)

// Chunk is one element of a stream. Seq starts at 1 and increases by one.
type Chunk[T any] struct {
	Seq   uint64
	Value T
}

// Emitter is the producer side of a stream.
type Emitter[T any] struct {
	ctx  context.Context
	name string
	ch   chan<- Chunk[T]
	seq  uint64
}

// Emit queues v, suspending while the queue is full. It fails once the
// stage context ends.
func (e *Emitter[T]) Emit(v T) error {
	if err := e.ctx.Err(); err != nil {
		return stopErr(e.name, e.ctx)
	}
	c := Chunk[T]{Seq: e.seq + 1, Value: v}
	select {
	case e.ch <- c:
		e.seq = c.Seq
		return nil
	case <-e.ctx.Done():
		return stopErr(e.name, e.ctx)
	}
}

// Emitted returns how many chunks have been queued.
func (e *Emitter[T]) Emitted() uint64 { return e.seq }

// Stream is the consumer side of a running stage.
type Stream[T any] struct {
	name   string
	ch     chan Chunk[T]
	done   chan struct{}
	cancel context.CancelFunc

	// err is written by the producer before ch is closed.
	err error

	mu      sync.Mutex
	lastSeq uint64
	readErr error
}

// Producer is a stage body. It writes results through out and returns nil
// on normal completion.
type Producer[T any] func(ctx context.Context, out *Emitter[T]) error

// Run starts fn in its own goroutine with a queue of size chunks.
func Run[T any](ctx context.Context, name string, size int, fn Producer[T]) *Stream[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		name:   name,
		ch:     make(chan Chunk[T], size),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	em := &Emitter[T]{ctx: ctx, name: name, ch: s.ch}
	go func() {
		err := safeRun(ctx, fn, em)
		if err == nil && ctx.Err() != nil {
			err = stopErr(name, ctx)
		}
		s.err = err
		// done closes first so a reader that sees ch closed can read err.
		close(s.done)
		close(s.ch)
	}()
	return s
}

func safeRun[T any](ctx context.Context, fn Producer[T], em *Emitter[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", em.name, r)
		}
	}()
	return fn(ctx, em)
}

// Name returns the stage name.
func (s *Stream[T]) Name() string { return s.name }

// Next returns the next chunk in order. ok is false once the stream is
// exhausted, has failed, or ctx ended; Err then reports the cause.
func (s *Stream[T]) Next(ctx context.Context) (Chunk[T], bool) {
	var zero Chunk[T]
	s.mu.Lock()
	failed := s.readErr != nil
	s.mu.Unlock()
	if failed {
		return zero, false
	}

	select {
	case c, open := <-s.ch:
		if !open {
			return zero, false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if c.Seq != s.lastSeq+1 {
			s.readErr = fmt.Errorf("%w: stage %s got seq %d after %d", ErrOutOfOrder, s.name, c.Seq, s.lastSeq)
			s.cancel()
			return zero, false
		}
		s.lastSeq = c.Seq
		return c, true
	case <-ctx.Done():
		s.mu.Lock()
		s.readErr = stopErr(s.name, ctx)
		s.mu.Unlock()
		return zero, false
	}
}

// Err reports why the stream ended: nil after normal completion, an error
// wrapping ErrCanceled after cancellation, a deadline error after a
// timeout, or the producer's failure. Call it after Next returns false.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()
	if readErr != nil {
		return readErr
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop asks the producer to stop. Chunks already queued stay readable.
func (s *Stream[T]) Stop() {
	s.cancel()
}

// Done is closed once the producer has returned.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Discard stops the producer, drops every queued chunk and waits for the
// producer to acknowledge, bounded by ctx.
func (s *Stream[T]) Discard(ctx context.Context) error {
	s.cancel()
	for {
		select {
		case _, open := <-s.ch:
			if !open {
				<-s.done
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopErr maps a finished context to the stage error: deadline expiry is a
// timeout failure, anything else is a cancellation.
func stopErr(name string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("stage %s: %w", name, context.DeadlineExceeded)
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, ErrCanceled) {
		return fmt.Errorf("stage %s: %w: %w", name, ErrCanceled, cause)
	}
	return fmt.Errorf("stage %s: %w", name, ErrCanceled)
}
