package brain

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/hearth/internal/reliability"
)

// GeminiAdapter streams replies from the Gemini API.
type GeminiAdapter struct {
	client *genai.Client
	model  string
	system string
}

func NewGeminiAdapter(ctx context.Context, apiKey, model, system string) (*GeminiAdapter, error) {
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiAdapter{client: client, model: model, system: system}, nil
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	cfg := &genai.GenerateContentConfig{}
	if a.system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: a.system}}}
	}
	prompt := Prompt("", req)

	var out strings.Builder
	for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model, genai.Text(prompt), cfg) {
		if err != nil {
			return MessageResponse{Text: out.String()}, reliability.Engine("llm", a.Name(), err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return MessageResponse{Text: out.String()}, err
			}
		}
	}
	return MessageResponse{Text: out.String()}, nil
}
