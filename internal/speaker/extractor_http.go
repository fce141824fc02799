package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/reliability"
)

// HTTPExtractor posts a WAV clip to an embedding service and expects
// {"embedding": [...]} in return.
type HTTPExtractor struct {
	url       string
	dimension int
	client    *http.Client
}

func NewHTTPExtractor(url string, dimension int) *HTTPExtractor {
	return &HTTPExtractor{
		url:       strings.TrimSpace(url),
		dimension: dimension,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (e *HTTPExtractor) Dimension() int { return e.dimension }

func (e *HTTPExtractor) Extract(ctx context.Context, samples []int16, sampleRate int) ([]float32, error) {
	wav, err := audio.EncodeWAVPCM16LE(audio.SamplesToBytes(samples), sampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, reliability.StatusError("embedding", "http", res)
	}

	var payload struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(payload.Embedding) != e.dimension {
		return nil, fmt.Errorf("%w: service returned %d, want %d", ErrDimensionMismatch, len(payload.Embedding), e.dimension)
	}
	return payload.Embedding, nil
}
