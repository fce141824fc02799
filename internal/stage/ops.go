package stage

import (
	"context"
	"fmt"
	"time"
)

// FromSlice streams values in order.
func FromSlice[T any](ctx context.Context, name string, values []T) *Stream[T] {
	return Run(ctx, name, len(values), func(_ context.Context, out *Emitter[T]) error {
		for _, v := range values {
			if err := out.Emit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Collect drains s and returns its values, or the stream's terminal error.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		c, ok := s.Next(ctx)
		if !ok {
			break
		}
		out = append(out, c.Value)
	}
	return out, s.Err()
}

// MapFunc handles one upstream value, emitting zero or more results.
type MapFunc[In, Out any] func(ctx context.Context, v In, out *Emitter[Out]) error

// FlushFunc runs once after the upstream completes normally.
type FlushFunc[Out any] func(ctx context.Context, out *Emitter[Out]) error

// Map runs fn over every chunk of in as a separate stage. An upstream
// failure or cancellation ends the mapped stream with the same error;
// flush is skipped in that case.
func Map[In, Out any](ctx context.Context, name string, size int, in *Stream[In], fn MapFunc[In, Out], flush FlushFunc[Out]) *Stream[Out] {
	return Run(ctx, name, size, func(ctx context.Context, out *Emitter[Out]) error {
		defer in.Stop()
		for {
			c, ok := in.Next(ctx)
			if !ok {
				break
			}
			if err := fn(ctx, c.Value, out); err != nil {
				return err
			}
		}
		if err := in.Err(); err != nil {
			return err
		}
		if flush != nil {
			return flush(ctx, out)
		}
		return nil
	})
}

// Budget forwards in unchanged while the total time spent waiting for its
// next chunk stays within budget. Time spent waiting for room downstream is
// not charged. Once the budget is spent the returned stream fails with
// context.DeadlineExceeded, even when in's producer ignores cancellation.
// A non-positive budget returns in as is.
func Budget[T any](ctx context.Context, name string, size int, in *Stream[T], budget time.Duration) *Stream[T] {
	if budget <= 0 {
		return in
	}
	return Run(ctx, name, size, func(ctx context.Context, out *Emitter[T]) error {
		defer in.Stop()
		left := budget
		for {
			waitCtx, cancel := context.WithTimeout(ctx, left)
			start := time.Now()
			c, ok := in.Next(waitCtx)
			expired := waitCtx.Err() != nil && ctx.Err() == nil
			cancel()
			left -= time.Since(start)
			if !ok {
				if expired {
					return fmt.Errorf("stage %s: %w: %s spent waiting on %s", name, context.DeadlineExceeded, budget, in.Name())
				}
				return in.Err()
			}
			if err := out.Emit(c.Value); err != nil {
				return err
			}
		}
	})
}

// StartFunc starts the sub-stream for one upstream segment.
type StartFunc[In, Out any] func(ctx context.Context, seg Chunk[In]) *Stream[Out]

// Concat starts a sub-stream per upstream segment, keeping at most inflight
// of them running ahead, and yields their outputs strictly in segment order.
// The first sub-stream failure ends the whole stream.
func Concat[In, Out any](ctx context.Context, name string, size, inflight int, in *Stream[In], start StartFunc[In, Out]) *Stream[Out] {
	if inflight <= 0 {
		inflight = 1
	}
	return Run(ctx, name, size, func(ctx context.Context, out *Emitter[Out]) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer in.Stop()

		slots := make(chan struct{}, inflight)
		queue := make(chan *Stream[Out], inflight)
		launchErr := make(chan error, 1)

		go func() {
			defer close(queue)
			for {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					launchErr <- nil
					return
				}
				seg, ok := in.Next(ctx)
				if !ok {
					<-slots
					launchErr <- in.Err()
					return
				}
				sub := start(ctx, seg)
				select {
				case queue <- sub:
				case <-ctx.Done():
					sub.Stop()
					launchErr <- nil
					return
				}
			}
		}()

		stopPending := func() {
			cancel()
			for sub := range queue {
				sub.Stop()
			}
		}

		for sub := range queue {
			for {
				c, ok := sub.Next(ctx)
				if !ok {
					break
				}
				if err := out.Emit(c.Value); err != nil {
					sub.Stop()
					stopPending()
					return err
				}
			}
			if err := sub.Err(); err != nil {
				stopPending()
				return err
			}
			<-slots
		}
		if err := <-launchErr; err != nil {
			return err
		}
		return nil
	})
}
