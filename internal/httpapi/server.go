// Package httpapi exposes the control surface: health, metrics, session
// control, speaker enrollment and the event/audio websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/logging"
	"github.com/ent0n29/hearth/internal/observability"
	"github.com/ent0n29/hearth/internal/protocol"
	"github.com/ent0n29/hearth/internal/speaker"
	"github.com/ent0n29/hearth/internal/voice"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Status() voice.Status
	Wake(ctx context.Context, reason string) error
	Sleep(ctx context.Context, reason string) error
}

// Options wires the server. Speakers, Hub and Bridge are optional; their
// routes answer 501 when unset.
type Options struct {
	AllowAnyOrigin bool
	Controller     Controller
	Speakers       *speaker.Registry
	Hub            *protocol.Hub
	Bridge         *audio.Bridge
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.opts.Metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSessionStatus)
		r.Post("/session/wake", s.handleWake)
		r.Post("/session/end", s.handleEnd)

		r.Get("/speakers", s.handleListSpeakers)
		r.Post("/speakers/identify", s.handleIdentifySpeaker)
		r.Post("/speakers/reprocess", s.handleReprocessSpeakers)
		r.Post("/speakers/{name}", s.handleEnrollSpeaker)
		r.Delete("/speakers/{name}", s.handleDeleteSpeaker)

		r.Get("/perf/latency", s.handlePerfLatency)
		r.Delete("/perf/latency", s.handleResetPerfLatency)

		r.Get("/events", s.handleEventsWS)
		r.Get("/audio", s.handleAudioWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Controller == nil || !s.opts.Controller.Status().Running {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"speakers":     s.opts.Speakers != nil,
		"audio_bridge": s.opts.Bridge != nil,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Controller == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Controller.Status())
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "api_wake", func(ctx context.Context, reason string) error {
		return s.opts.Controller.Wake(ctx, reason)
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "api_end", func(ctx context.Context, reason string) error {
		return s.opts.Controller.Sleep(ctx, reason)
	})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, fallback string, do func(context.Context, string) error) {
	if s.opts.Controller == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = fallback
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := do(ctx, reason); err != nil {
		if errors.Is(err, voice.ErrNotRunning) {
			respondError(w, http.StatusServiceUnavailable, "not_running", err.Error())
			return
		}
		respondError(w, http.StatusGatewayTimeout, "control_timeout", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.Metrics.TurnStageSnapshot())
}

func (s *Server) handleResetPerfLatency(w http.ResponseWriter, _ *http.Request) {
	s.opts.Metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
