package brain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/hearth/internal/reliability"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// The fallback only runs while nothing has been delivered to the caller, so
// a reply is never spliced from two backends.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter

	// firstDeltaTimeout abandons a primary that has not produced any text
	// in time. Zero waits for the primary to finish or fail.
	firstDeltaTimeout time.Duration
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

// WithFirstDeltaTimeout sets how long the primary may stay silent before
// the fallback takes over.
func (a *FallbackAdapter) WithFirstDeltaTimeout(d time.Duration) *FallbackAdapter {
	a.firstDeltaTimeout = d
	return a
}

func (a *FallbackAdapter) Name() string {
	return a.primary.Name() + ">" + a.fallback.Name()
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter { return a.primary }

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	type result struct {
		resp MessageResponse
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	// mu orders primary deltas against abandoning the primary.
	var mu sync.Mutex
	delivered, abandoned := false, false
	firstDelta := make(chan struct{})
	var firstOnce sync.Once
	resultCh := make(chan result, 1)

	go func() {
		resp, err := a.primary.StreamResponse(primaryCtx, req, func(delta string) error {
			mu.Lock()
			if abandoned {
				mu.Unlock()
				return fmt.Errorf("primary %s: %w", a.primary.Name(), reliability.ErrCanceled)
			}
			delivered = true
			mu.Unlock()
			if strings.TrimSpace(delta) != "" {
				firstOnce.Do(func() { close(firstDelta) })
			}
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		resultCh <- result{resp, err}
	}()

	var primary result
	timedOut := false
	if a.firstDeltaTimeout > 0 {
		timer := time.NewTimer(a.firstDeltaTimeout)
		select {
		case primary = <-resultCh:
		case <-firstDelta:
			primary = <-resultCh
		case <-timer.C:
			mu.Lock()
			if delivered {
				mu.Unlock()
				primary = <-resultCh
			} else {
				abandoned = true
				mu.Unlock()
				cancelPrimary()
				timedOut = true
			}
		}
		timer.Stop()
	} else {
		primary = <-resultCh
	}

	if !timedOut {
		if primary.err == nil {
			return primary.resp, nil
		}
		mu.Lock()
		spoke := delivered
		mu.Unlock()
		if reliability.IsCanceled(primary.err) || ctx.Err() != nil || spoke {
			return primary.resp, primary.err
		}
	}

	resp, err := a.fallback.StreamResponse(ctx, req, onDelta)
	if err != nil {
		if timedOut {
			return resp, fmt.Errorf("primary %s silent for %s; fallback: %w", a.primary.Name(), a.firstDeltaTimeout, err)
		}
		return resp, fmt.Errorf("primary: %w; fallback: %w", primary.err, err)
	}
	return resp, nil
}
