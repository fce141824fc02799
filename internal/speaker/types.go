package speaker

import (
	"errors"
	"time"
)

// Unknown is reported when no enrolled profile clears the threshold.
const Unknown = "unknown"

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyName         = errors.New("speaker name is required")
	ErrReservedName      = errors.New("speaker name is reserved")
	ErrNotFound          = errors.New("speaker not found")
	ErrNoSamples         = errors.New("speaker has no samples")
)

// Profile is an enrolled speaker. Embedding is the L2-normalized mean of the
// normalized Samples.
type Profile struct {
	Name      string      `json:"name"`
	Embedding []float32   `json:"embedding"`
	Samples   [][]float32 `json:"samples,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (p Profile) clone() Profile {
	c := p
	c.Embedding = append([]float32(nil), p.Embedding...)
	if p.Samples != nil {
		c.Samples = make([][]float32, len(p.Samples))
		for i, s := range p.Samples {
			c.Samples[i] = append([]float32(nil), s...)
		}
	}
	return c
}

// Summary is a profile without vector payloads.
type Summary struct {
	Name        string    `json:"name"`
	SampleCount int       `json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MatchResult is the outcome of identifying one embedding.
type MatchResult struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	// NearThreshold is set when the match was accepted inside the near margin.
	NearThreshold bool `json:"near_threshold,omitempty"`
}

// Known reports whether the result names an enrolled speaker.
func (r MatchResult) Known() bool {
	return r.Name != "" && r.Name != Unknown
}

// Score pairs a profile name with its similarity to an embedding.
type Score struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}
