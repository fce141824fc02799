// Package brain streams replies from language-model backends.
package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/hearth/internal/reliability"
)

// MessageRequest is one user utterance plus the session memory it follows.
type MessageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	// Speaker is the identified speaker, empty when unknown.
	Speaker string `json:"speaker,omitempty"`
	// Context is the rendered conversation so far, empty on the first turn.
	Context   string `json:"context,omitempty"`
	InputText string `json:"input_text"`
}

// MessageResponse is the complete reply after streaming ends.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streamed text fragments in order. Returning an
// error aborts the request.
type DeltaHandler func(delta string) error

// Adapter generates a reply. Non-streaming backends deliver the whole reply
// as a single delta.
type Adapter interface {
	Name() string
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

// Config selects and configures the adapter.
type Config struct {
	Provider string

	SystemPrompt string

	LANURL   string
	LANModel string

	GroqAPIKey  string
	GroqModel   string
	GroqBaseURL string

	GeminiAPIKey string
	GeminiModel  string
}

const DefaultSystemPrompt = "You are Hearth, a voice assistant for a household. " +
	"Answer in one to three short spoken sentences. Do not use markdown, lists or emoji."

func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	switch provider {
	case "auto":
		return newAutoAdapter(ctx, cfg), nil
	case "lan":
		if strings.TrimSpace(cfg.LANURL) == "" {
			return nil, reliability.Configf("LAN_LLM_URL is required for the lan provider")
		}
		return NewLANAdapter(cfg.LANURL, cfg.LANModel, cfg.SystemPrompt), nil
	case "groq":
		if strings.TrimSpace(cfg.GroqAPIKey) == "" {
			return nil, reliability.Configf("GROQ_API_KEY is required for the groq provider")
		}
		return NewGroqAdapter(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel, cfg.SystemPrompt), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, reliability.Configf("GEMINI_API_KEY is required for the gemini provider")
		}
		return NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.SystemPrompt)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, reliability.Configf("unsupported llm provider %q", cfg.Provider)
	}
}

// newAutoAdapter prefers a LAN model, then hosted providers, and always
// keeps the mock as the last resort so the assistant can still answer.
func newAutoAdapter(ctx context.Context, cfg Config) Adapter {
	var chain []Adapter
	if strings.TrimSpace(cfg.LANURL) != "" {
		chain = append(chain, NewLANAdapter(cfg.LANURL, cfg.LANModel, cfg.SystemPrompt))
	}
	if strings.TrimSpace(cfg.GroqAPIKey) != "" {
		chain = append(chain, NewGroqAdapter(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel, cfg.SystemPrompt))
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.SystemPrompt); err == nil {
			chain = append(chain, g)
		}
	}
	var out Adapter = NewMockAdapter()
	for i := len(chain) - 1; i >= 0; i-- {
		out = NewFallbackAdapter(chain[i], out)
	}
	return out
}

// Prompt renders req as a single completion prompt for backends without a
// chat format.
func Prompt(system string, req MessageRequest) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	if req.Speaker != "" {
		fmt.Fprintf(&b, "You are talking with %s.\n\n", req.Speaker)
	}
	if req.Context != "" {
		b.WriteString(req.Context)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(strings.TrimSpace(req.InputText))
	b.WriteString("\nAssistant:")
	return b.String()
}
