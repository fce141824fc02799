package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/hearth/internal/reliability"
)

// MockAdapter provides deterministic local replies when no model is reachable.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("mock llm: %w: %w", reliability.ErrCanceled, err)
	}

	text := buildMockReply(req)
	// Word-sized deltas exercise the sentence splitter the way a real
	// stream does.
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if onDelta == nil || w == "" {
			continue
		}
		if err := onDelta(w); err != nil {
			return MessageResponse{Text: text}, err
		}
	}
	return MessageResponse{Text: text}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I am listening."
	}
	reply := fmt.Sprintf("I heard you say: %s.", strings.TrimRight(base, ".?! "))
	if req.Speaker != "" {
		reply = fmt.Sprintf("%s, %s", req.Speaker, lowerFirst(reply))
	}
	return reply
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
