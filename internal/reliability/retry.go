package reliability

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backoff doubles from Base on each attempt and never exceeds Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// TransientStatus reports whether an upstream HTTP status is worth retrying.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// TransientCode reports whether a realtime provider error code describes a
// condition that may clear on its own.
func TransientCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "error":
		return true
	default:
		return false
	}
}

// StatusError builds the EngineError for a non-2xx response, quoting the
// start of the body. It does not close body.
func StatusError(stage, provider string, res *http.Response) *EngineError {
	var detail string
	if res.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		detail = strings.TrimSpace(string(b))
	}
	return &EngineError{
		Stage:     stage,
		Provider:  provider,
		Cause:     fmt.Errorf("http status %d: %s", res.StatusCode, detail),
		Retryable: TransientStatus(res.StatusCode),
	}
}
