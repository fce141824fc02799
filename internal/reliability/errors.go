package reliability

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipeline.
var (
	// ErrDeviceUnavailable indicates audio capture or playback failed.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrEngineFailure indicates an STT, LLM or TTS engine failed or timed out.
	ErrEngineFailure = errors.New("engine failure")

	// ErrConfigInvalid indicates configuration rejected at construction.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrCanceled indicates a stage stopped because its turn was canceled.
	ErrCanceled = errors.New("canceled")
)

// Kind is the coarse classification of a pipeline error.
type Kind string

const (
	KindNone              Kind = ""
	KindDeviceUnavailable Kind = "device_unavailable"
	KindEngineFailure     Kind = "engine_failure"
	KindConfigInvalid     Kind = "config_invalid"
	KindCanceled          Kind = "canceled"
)

// EngineError wraps a failure of one engine stage.
type EngineError struct {
	// Stage is the failing stage: "stt", "llm", "tts" or "wakeword".
	Stage string

	// Provider names the backend, when known.
	Provider string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates the provider reported a transient condition.
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s engine %s failed: %v", e.Stage, e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s engine failed: %v", e.Stage, e.Cause)
}

func (e *EngineError) Unwrap() []error {
	return []error{ErrEngineFailure, e.Cause}
}

// Engine wraps err as an EngineError for stage. Nil stays nil and
// cancellation is passed through untouched.
func Engine(stage, provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	var existing *EngineError
	if errors.As(err, &existing) {
		return err
	}
	return &EngineError{Stage: stage, Provider: provider, Cause: err}
}

// Device wraps err as a device failure.
func Device(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDeviceUnavailable, err)
}

// Configf builds an ErrConfigInvalid error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether err represents a clean stop.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// Classify maps err onto one of the pipeline error kinds. A deadline
// exceeded error counts as an engine failure since only engine stages
// carry timeouts.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrEngineFailure), errors.Is(err, context.DeadlineExceeded):
		return KindEngineFailure
	case IsCanceled(err):
		return KindCanceled
	default:
		return KindEngineFailure
	}
}

// IsRetryable reports whether err was flagged transient by its provider.
func IsRetryable(err error) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Retryable
	}
	return false
}
