package reliability

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 700 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 700, 700}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, w*time.Millisecond)
		}
	}
	if got := b.Delay(1000); got != b.Max {
		t.Fatalf("Delay(1000) = %v, want cap", got)
	}
}

func TestTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 400: false, 401: false, 408: true, 429: true, 500: true, 503: true} {
		if got := TransientStatus(code); got != want {
			t.Fatalf("TransientStatus(%d) = %v, want %v", code, got, want)
		}
	}
	assert.True(t, TransientCode("rate_limited"))
	assert.False(t, TransientCode("auth_error"))
}

func TestStatusError(t *testing.T) {
	res := &http.Response{StatusCode: 503, Body: io.NopCloser(strings.NewReader(" overloaded \n"))}
	err := StatusError("llm", "groq", res)
	assert.True(t, errors.Is(err, ErrEngineFailure))
	assert.True(t, err.Retryable)
	assert.Equal(t, "llm engine groq failed: http status 503: overloaded", err.Error())

	err = StatusError("embedding", "http", &http.Response{StatusCode: 401})
	assert.False(t, IsRetryable(err))
}
