package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/hearth/internal/config"
	"github.com/ent0n29/hearth/internal/reliability"
	"github.com/ent0n29/hearth/internal/speaker"
)

// OpenSpeakers builds the speaker registry from cfg and loads stored
// profiles. The caller owns the returned registry and must Close it.
func OpenSpeakers(ctx context.Context, cfg config.Config, logger *slog.Logger) (*speaker.Registry, error) {
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	matcher, err := speaker.NewMatcher(speaker.Options{
		Dimension:  extractor.Dimension(),
		Threshold:  cfg.SpeakerThreshold,
		NearMargin: cfg.SpeakerNearMargin,
	})
	if err != nil {
		return nil, err
	}
	store, err := speaker.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("speaker store init failed: %w", err)
	}
	reg, err := speaker.NewRegistry(matcher, store, extractor, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := reg.Load(ctx); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}

func newExtractor(cfg config.Config) (speaker.Extractor, error) {
	switch cfg.EmbeddingProvider {
	case "http":
		return speaker.NewHTTPExtractor(cfg.EmbeddingHTTPURL, cfg.SpeakerEmbeddingDim), nil
	default:
		if cfg.SpeakerEmbeddingDim%3 != 0 {
			return nil, reliability.Configf("SPEAKER_EMBEDDING_DIM must be a multiple of 3 for band embeddings, got %d", cfg.SpeakerEmbeddingDim)
		}
		return speaker.NewBandExtractor(cfg.SpeakerEmbeddingDim / 3), nil
	}
}
