package speaker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ent0n29/hearth/internal/logging"
)

// Registry ties the in-memory matcher to persistent storage and an
// embedding extractor. Every mutation is written through to the store.
type Registry struct {
	matcher   *Matcher
	store     Store
	extractor Extractor
	logger    *slog.Logger
}

func NewRegistry(matcher *Matcher, store Store, extractor Extractor, logger *slog.Logger) (*Registry, error) {
	if extractor != nil && extractor.Dimension() != matcher.Dimension() {
		return nil, fmt.Errorf("%w: extractor produces %d, matcher expects %d", ErrDimensionMismatch, extractor.Dimension(), matcher.Dimension())
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Registry{
		matcher:   matcher,
		store:     store,
		extractor: extractor,
		logger:    logging.OrDiscard(logger),
	}, nil
}

// Load replaces the matcher's profiles with the stored ones.
func (r *Registry) Load(ctx context.Context) error {
	profiles, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load speakers: %w", err)
	}
	if err := r.matcher.Load(profiles); err != nil {
		return err
	}
	r.logger.Info("speaker profiles loaded", "count", len(profiles))
	return nil
}

// Embed runs the configured extractor.
func (r *Registry) Embed(ctx context.Context, samples []int16, sampleRate int) ([]float32, error) {
	if r.extractor == nil {
		return nil, fmt.Errorf("no speaker embedding extractor configured")
	}
	return r.extractor.Extract(ctx, samples, sampleRate)
}

// EnrollAudio extracts an embedding from the clip and enrolls it. With
// replace the clip becomes the only sample; otherwise it is added.
func (r *Registry) EnrollAudio(ctx context.Context, name string, samples []int16, sampleRate int, replace bool) (Profile, error) {
	embedding, err := r.Embed(ctx, samples, sampleRate)
	if err != nil {
		return Profile{}, err
	}
	return r.EnrollEmbedding(ctx, name, embedding, replace)
}

// EnrollEmbedding enrolls a precomputed embedding.
func (r *Registry) EnrollEmbedding(ctx context.Context, name string, embedding []float32, replace bool) (Profile, error) {
	name = strings.TrimSpace(name)
	prev, existed := r.matcher.Get(name)

	var (
		p   Profile
		err error
	)
	if replace {
		p, err = r.matcher.Enroll(name, embedding)
	} else {
		p, err = r.matcher.AddSample(name, embedding)
	}
	if err != nil {
		return Profile{}, err
	}
	if err := r.store.Save(ctx, p); err != nil {
		r.rollback(name, prev, existed)
		return Profile{}, fmt.Errorf("persist speaker %q: %w", name, err)
	}
	r.logger.Info("speaker enrolled", "name", name, "samples", len(p.Samples))
	return p, nil
}

func (r *Registry) rollback(name string, prev Profile, existed bool) {
	if existed {
		r.matcher.put(prev)
		return
	}
	r.matcher.Delete(name)
}

// IdentifyAudio extracts an embedding and matches it.
func (r *Registry) IdentifyAudio(ctx context.Context, samples []int16, sampleRate int) (MatchResult, []Score, error) {
	embedding, err := r.Embed(ctx, samples, sampleRate)
	if err != nil {
		return MatchResult{}, nil, err
	}
	scores, err := r.matcher.Scores(embedding)
	if err != nil {
		return MatchResult{}, nil, err
	}
	result := r.matcher.Best(scores)
	if result.NearThreshold {
		r.logger.Info("near-threshold speaker match accepted", "name", result.Name, "score", result.Score)
	}
	return result, scores, nil
}

// Delete removes a speaker from storage and the matcher.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, name); err != nil {
		if !IsNotFound(err) {
			return fmt.Errorf("delete speaker %q: %w", name, err)
		}
		if !r.matcher.Delete(name) {
			return ErrNotFound
		}
		return nil
	}
	r.matcher.Delete(name)
	r.logger.Info("speaker deleted", "name", name)
	return nil
}

// List returns enrolled speakers in enrollment order.
func (r *Registry) List() []Summary {
	return r.matcher.List()
}

// Reprocess recomputes every averaged embedding from its raw samples and
// persists the result. It returns the number of profiles updated.
func (r *Registry) Reprocess(ctx context.Context) (int, error) {
	updated := r.matcher.RecomputeAll()
	for _, p := range updated {
		if err := r.store.Save(ctx, p); err != nil {
			return 0, fmt.Errorf("persist speaker %q: %w", p.Name, err)
		}
	}
	r.logger.Info("speaker embeddings reprocessed", "count", len(updated))
	return len(updated), nil
}

// Dump writes every profile, including raw samples, as indented JSON.
func (r *Registry) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.matcher.Profiles())
}

// Close releases the store.
func (r *Registry) Close() error {
	return r.store.Close()
}
