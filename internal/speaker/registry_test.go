package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/hearth/internal/audio"
)

func tone(freq float64, seconds float64, rate int) []int16 {
	n := int(seconds * float64(rate))
	out := make([]int16, n)
	for i := range out {
		v := 0.4*math.Sin(2*math.Pi*freq*float64(i)/float64(rate)) +
			0.2*math.Sin(2*math.Pi*freq*2.7*float64(i)/float64(rate))
		out[i] = int16(v * 32767)
	}
	return out
}

func TestBandExtractorSeparatesVoices(t *testing.T) {
	ctx := context.Background()
	ex := NewBandExtractor(20)
	require.Equal(t, 60, ex.Dimension())

	low1, err := ex.Extract(ctx, tone(140, 1.5, 16000), 16000)
	require.NoError(t, err)
	low2, err := ex.Extract(ctx, tone(140, 1.0, 16000), 16000)
	require.NoError(t, err)
	high, err := ex.Extract(ctx, tone(900, 1.5, 16000), 16000)
	require.NoError(t, err)

	assert.Greater(t, Cosine(low1, low2), Cosine(low1, high))
}

func TestBandExtractorRejectsSilence(t *testing.T) {
	_, err := NewBandExtractor(0).Extract(context.Background(), make([]int16, 16000), 16000)
	assert.True(t, errors.Is(err, ErrInsufficientAudio))
}

type failingStore struct {
	*InMemoryStore
}

func (s *failingStore) Save(context.Context, Profile) error { return errors.New("disk full") }

func TestRegistryEnrollIdentifyDelete(t *testing.T) {
	ctx := context.Background()
	ex := NewBandExtractor(20)
	m, err := NewMatcher(Options{Dimension: ex.Dimension(), Threshold: 0.75})
	require.NoError(t, err)
	store := NewInMemoryStore()
	reg, err := NewRegistry(m, store, ex, nil)
	require.NoError(t, err)

	_, err = reg.EnrollAudio(ctx, "alice", tone(140, 1.5, 16000), 16000, false)
	require.NoError(t, err)
	_, err = reg.EnrollAudio(ctx, "alice", tone(145, 1.5, 16000), 16000, false)
	require.NoError(t, err)

	result, scores, err := reg.IdentifyAudio(ctx, tone(142, 1.2, 16000), 16000)
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Name)
	require.Len(t, scores, 1)
	assert.Equal(t, m.Best(scores), result)
	assert.Equal(t, scores[0].Score, result.Score)

	stored, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Samples, 2)

	// A fresh registry over the same store sees the profile.
	m2, err := NewMatcher(Options{Dimension: ex.Dimension(), Threshold: 0.75})
	require.NoError(t, err)
	reg2, err := NewRegistry(m2, store, ex, nil)
	require.NoError(t, err)
	require.NoError(t, reg2.Load(ctx))
	assert.Equal(t, 1, m2.Count())

	n, err := reg2.Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, reg.Delete(ctx, "alice"))
	assert.True(t, errors.Is(reg.Delete(ctx, "alice"), ErrNotFound))
}

func TestRegistryRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	m, err := NewMatcher(Options{Dimension: 3, Threshold: 0.75})
	require.NoError(t, err)
	reg, err := NewRegistry(m, &failingStore{InMemoryStore: NewInMemoryStore()}, nil, nil)
	require.NoError(t, err)

	_, err = reg.EnrollEmbedding(ctx, "alice", []float32{1, 0, 0}, true)
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRegistryRejectsExtractorDimension(t *testing.T) {
	m, err := NewMatcher(Options{Dimension: 3, Threshold: 0.75})
	require.NoError(t, err)
	_, err = NewRegistry(m, nil, NewBandExtractor(20), nil)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestRegistryDump(t *testing.T) {
	ctx := context.Background()
	m, err := NewMatcher(Options{Dimension: 3, Threshold: 0.75})
	require.NoError(t, err)
	reg, err := NewRegistry(m, nil, nil, nil)
	require.NoError(t, err)
	_, err = reg.EnrollEmbedding(ctx, "alice", []float32{1, 0, 0}, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, reg.Dump(&buf))
	var dumped []Profile
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dumped))
	require.Len(t, dumped, 1)
	assert.Equal(t, "alice", dumped[0].Name)
	assert.Len(t, dumped[0].Samples, 1)
}

func TestHTTPExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		samples, rate, err := audio.DecodeWAV(r.Body)
		if err != nil || rate != 16000 || len(samples) != 4 {
			http.Error(w, "bad wav", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	ex := NewHTTPExtractor(srv.URL, 3)
	got, err := ex.Extract(context.Background(), []int16{1, 2, 3, 4}, 16000)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got)

	wrong := NewHTTPExtractor(srv.URL, 4)
	_, err = wrong.Extract(context.Background(), []int16{1, 2, 3, 4}, 16000)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}
