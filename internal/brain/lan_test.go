package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/hearth/internal/reliability"
)

func TestConsumeLinesSSE(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		`data: {"delta":"Hel"}`,
		"",
		`data: {"delta":"lo"}`,
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	resp, err := consumeLines(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeLines() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
}

func TestConsumeLinesNDJSONStopsAtDone(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		`{"response":"Hi","done":false}`,
		`{"response":" there","done":true}`,
		`{"response":" ignored"}`,
	}, "\n"))

	resp, err := consumeLines(stream, nil)
	if err != nil {
		t.Fatalf("consumeLines() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestConsumeLinesReportsStreamError(t *testing.T) {
	stream := strings.NewReader(`{"error":"model not found"}` + "\n")
	if _, err := consumeLines(stream, nil); err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("consumeLines() error = %v, want stream error", err)
	}
}

func TestConsumeLinesStopsWhenHandlerFails(t *testing.T) {
	stop := errors.New("stop")
	stream := strings.NewReader("{\"response\":\"a\"}\n{\"response\":\"b\"}\n")
	calls := 0
	_, err := consumeLines(stream, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("consumeLines() error = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestLANAdapterStreamsGenerate(t *testing.T) {
	var got lanGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"It is ","done":false}`)
		fmt.Fprintln(w, `{"response":"sunny.","done":true}`)
	}))
	defer srv.Close()

	a := NewLANAdapter(srv.URL, "", "Be brief.")
	resp, err := a.StreamResponse(context.Background(), MessageRequest{
		Speaker:   "ana",
		Context:   "User: hi\nAssistant: hello\n",
		InputText: "what's the weather",
	}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "It is sunny." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if got.Model != "llama3.2" || !got.Stream {
		t.Fatalf("request model=%q stream=%v", got.Model, got.Stream)
	}
	for _, want := range []string{"Be brief.", "You are talking with ana.", "User: hi", "User: what's the weather\nAssistant:"} {
		if !strings.Contains(got.Prompt, want) {
			t.Fatalf("prompt %q missing %q", got.Prompt, want)
		}
	}
}

func TestLANAdapterHTTPErrorIsEngineFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewLANAdapter(srv.URL, "m", "").StreamResponse(context.Background(), MessageRequest{InputText: "hi"}, nil)
	if !errors.Is(err, reliability.ErrEngineFailure) {
		t.Fatalf("error = %v, want engine failure", err)
	}
	if !reliability.IsRetryable(err) {
		t.Fatalf("503 should be retryable: %v", err)
	}
}

func TestPromptWithoutContext(t *testing.T) {
	got := Prompt("", MessageRequest{InputText: "  hello  "})
	if got != "User: hello\nAssistant:" {
		t.Fatalf("Prompt() = %q", got)
	}
}
