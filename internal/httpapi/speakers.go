package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/reliability"
	"github.com/ent0n29/hearth/internal/speaker"
)

// speakerAudioRequest carries either a clip or a precomputed embedding.
type speakerAudioRequest struct {
	PCM16Base64 string    `json:"pcm16_base64,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Replace     bool      `json:"replace,omitempty"`
}

func (req speakerAudioRequest) samples() ([]int16, error) {
	if req.PCM16Base64 == "" || req.SampleRate <= 0 {
		return nil, errors.New("pcm16_base64 and sample_rate are required")
	}
	pcm, err := base64.StdEncoding.DecodeString(req.PCM16Base64)
	if err != nil {
		return nil, err
	}
	return audio.BytesToSamples(pcm), nil
}

type identifyResponse struct {
	Result speaker.MatchResult `json:"result"`
	Scores []speaker.Score     `json:"scores"`
}

func (s *Server) speakers(w http.ResponseWriter) (*speaker.Registry, bool) {
	if s.opts.Speakers == nil {
		respondError(w, http.StatusNotImplemented, "speakers_disabled", "speaker identification is not enabled")
		return nil, false
	}
	return s.opts.Speakers, true
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, _ *http.Request) {
	reg, ok := s.speakers(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"speakers": reg.List()})
}

func (s *Server) handleEnrollSpeaker(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.speakers(w)
	if !ok {
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	var req speakerAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var (
		profile speaker.Profile
		err     error
	)
	if len(req.Embedding) > 0 {
		profile, err = reg.EnrollEmbedding(r.Context(), name, req.Embedding, req.Replace)
	} else {
		samples, decodeErr := req.samples()
		if decodeErr != nil {
			respondError(w, http.StatusBadRequest, "invalid_audio", decodeErr.Error())
			return
		}
		profile, err = reg.EnrollAudio(r.Context(), name, samples, req.SampleRate, req.Replace)
	}
	if err != nil {
		s.respondSpeakerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, speaker.Summary{
		Name:        profile.Name,
		SampleCount: len(profile.Samples),
		CreatedAt:   profile.CreatedAt,
		UpdatedAt:   profile.UpdatedAt,
	})
}

func (s *Server) handleDeleteSpeaker(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.speakers(w)
	if !ok {
		return
	}
	if err := reg.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.respondSpeakerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIdentifySpeaker(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.speakers(w)
	if !ok {
		return
	}
	var req speakerAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	samples, err := req.samples()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	result, scores, err := reg.IdentifyAudio(r.Context(), samples, req.SampleRate)
	if err != nil {
		s.respondSpeakerError(w, err)
		return
	}
	s.opts.Metrics.ObserveSpeakerMatch(matchLabel(result))
	respondJSON(w, http.StatusOK, identifyResponse{Result: result, Scores: scores})
}

func (s *Server) handleReprocessSpeakers(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.speakers(w)
	if !ok {
		return
	}
	n, err := reg.Reprocess(r.Context())
	if err != nil {
		s.respondSpeakerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) respondSpeakerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, speaker.ErrNotFound):
		respondError(w, http.StatusNotFound, "speaker_not_found", err.Error())
	case errors.Is(err, speaker.ErrEmptyName), errors.Is(err, speaker.ErrReservedName), errors.Is(err, speaker.ErrDimensionMismatch),
		errors.Is(err, speaker.ErrNoSamples), errors.Is(err, speaker.ErrInsufficientAudio),
		errors.Is(err, reliability.ErrConfigInvalid):
		respondError(w, http.StatusBadRequest, "invalid_speaker", err.Error())
	default:
		s.logger.Error("speaker request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "speaker_error", err.Error())
	}
}

func matchLabel(r speaker.MatchResult) string {
	switch {
	case r.Known() && r.NearThreshold:
		return "near"
	case r.Known():
		return "known"
	default:
		return "unknown"
	}
}
