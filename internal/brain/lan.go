package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/hearth/internal/reliability"
)

// LANAdapter talks to an Ollama-compatible server on the local network
// through its streaming /api/generate endpoint.
type LANAdapter struct {
	baseURL string
	model   string
	system  string
	client  *http.Client
}

func NewLANAdapter(baseURL, model, system string) *LANAdapter {
	if strings.TrimSpace(model) == "" {
		model = "llama3.2"
	}
	return &LANAdapter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		system:  system,
		// No client timeout: the caller's context bounds generation.
		client: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
	}
}

func (a *LANAdapter) Name() string { return "lan" }

type lanGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func (a *LANAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	payload, err := json.Marshal(lanGenerateRequest{
		Model:  a.model,
		Prompt: Prompt(a.system, req),
		Stream: true,
	})
	if err != nil {
		return MessageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return MessageResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return MessageResponse{}, reliability.Engine("llm", a.Name(), fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return MessageResponse{}, reliability.StatusError("llm", a.Name(), res)
	}

	resp, err := consumeLines(res.Body, onDelta)
	if err != nil {
		return resp, reliability.Engine("llm", a.Name(), err)
	}
	return resp, nil
}

// consumeLines reads an NDJSON or SSE body, passing each text fragment to
// onDelta. Lines that are not JSON are treated as raw text.
func consumeLines(body io.Reader, onDelta DeltaHandler) (MessageResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimSpace(rest)
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		done := false
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return MessageResponse{Text: out.String()}, fmt.Errorf("stream error: %s", msg)
			}
			delta = extractText(obj)
			done, _ = obj["done"].(bool)
		} else {
			delta += " "
		}

		if delta != "" {
			out.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return MessageResponse{Text: out.String()}, err
				}
			}
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return MessageResponse{Text: strings.TrimSpace(out.String())}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"response", "text", "delta", "content"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
