package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/audio/device"
	"github.com/ent0n29/hearth/internal/brain"
	"github.com/ent0n29/hearth/internal/config"
	"github.com/ent0n29/hearth/internal/httpapi"
	"github.com/ent0n29/hearth/internal/intent"
	"github.com/ent0n29/hearth/internal/logging"
	"github.com/ent0n29/hearth/internal/observability"
	"github.com/ent0n29/hearth/internal/protocol"
	"github.com/ent0n29/hearth/internal/session"
	"github.com/ent0n29/hearth/internal/speaker"
	"github.com/ent0n29/hearth/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
	VoiceID  string
	ModelID  string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *voice.Orchestrator
	Session      *session.State
	Speakers     *speaker.Registry
	Hub          *protocol.Hub
	Bridge       *audio.Bridge
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	Voice        VoiceInfo

	// Cleanup releases devices and stores. Call it after the orchestrator
	// has stopped.
	Cleanup func() error
}

// Build wires every component from cfg. Nothing runs until Serve.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	logger = logging.OrDiscard(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	state, err := session.New(session.Options{
		MaxTurns:    cfg.MemoryMaxTurns,
		ExitPhrases: cfg.ExitPhrases,
		IdleTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	voiceSetup, err := resolveVoiceProviders(cfg, logger.With("component", "voice"))
	if err != nil {
		return nil, err
	}
	logger.Info("voice provider resolved", "provider", voiceSetup.resolvedProvider, "detail", voiceSetup.detail)

	adapter, err := brain.NewAdapter(ctx, brain.Config{
		Provider:     cfg.LLMProvider,
		SystemPrompt: cfg.LLMSystemPrompt,
		LANURL:       cfg.LANLLMURL,
		LANModel:     cfg.LANLLMModel,
		GroqAPIKey:   cfg.GroqAPIKey,
		GroqModel:    cfg.GroqModel,
		GroqBaseURL:  cfg.GroqBaseURL,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	})
	if err != nil {
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	router := intent.NewRouter(adapter, loc)

	wake, err := newWakeDetector(cfg, voiceSetup.stt, logger.With("component", "wakeword"))
	if err != nil {
		return nil, err
	}

	var speakers *speaker.Registry
	if cfg.SpeakerIDEnabled {
		speakers, err = OpenSpeakers(ctx, cfg, logger.With("component", "speaker"))
		if err != nil {
			return nil, err
		}
		closers = append(closers, speakers.Close)
	}

	source, sink, bridge, err := openAudio(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, source.Close, sink.Close)

	hub := protocol.NewHub(64, metrics)

	orchCfg := voice.Config{
		Session:           state,
		Wake:              wake,
		STT:               voiceSetup.stt,
		TTS:               voiceSetup.tts,
		Brain:             router,
		Source:            source,
		Sink:              sink,
		Voice:             voiceSetup.options,
		QueueSize:         cfg.StageQueueSize,
		TTSInflight:       cfg.TTSMaxInflight,
		GenerationTimeout: cfg.GenerationTimeout,
		SegmentTimeout:    cfg.SegmentTimeout,
		SpeakerSnippet:    cfg.SpeakerSnippet,
		BargeIn:           cfg.BargeIn,
		Farewell:          cfg.Farewell,
		SpeakFarewell:     cfg.FarewellSpoken,
		Logger:            logger.With("component", "orchestrator"),
		Metrics:           metrics,
		Publisher:         hub,
	}
	if speakers != nil {
		orchCfg.Speakers = speakers
	}
	orchestrator, err := voice.NewOrchestrator(orchCfg)
	if err != nil {
		return fail(err)
	}

	api := httpapi.New(httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Controller:     orchestrator,
		Speakers:       speakers,
		Hub:            hub,
		Bridge:         bridge,
		Metrics:        metrics,
		Logger:         logger.With("component", "httpapi"),
	})

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Session:      state,
		Speakers:     speakers,
		Hub:          hub,
		Bridge:       bridge,
		Metrics:      metrics,
		Logger:       logger,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
			VoiceID:  voiceSetup.options.VoiceID,
			ModelID:  voiceSetup.options.ModelID,
		},
		Cleanup: cleanup,
	}, nil
}

// openAudio picks the capture and playback pair. The bridge is returned
// only for the websocket device.
func openAudio(cfg config.Config) (audio.Source, audio.Sink, *audio.Bridge, error) {
	switch cfg.AudioDevice {
	case "ws":
		b := audio.NewBridge(cfg.CaptureSampleRate)
		return b, nopCloseSink{b}, b, nil
	case "null":
		return audio.NewNullSource(), audio.NewNullSink(), nil, nil
	default:
		opts := device.Options{
			CaptureSampleRate:  cfg.CaptureSampleRate,
			PlaybackSampleRate: cfg.PlaybackSampleRate,
		}
		mic, err := device.OpenMicrophone(opts)
		if err != nil {
			return nil, nil, nil, err
		}
		spk, err := device.OpenSpeaker(opts)
		if err != nil {
			_ = mic.Close()
			return nil, nil, nil, err
		}
		return mic, spk, nil, nil
	}
}

// nopCloseSink lets the bridge be registered as both source and sink while
// being closed once, through the source.
type nopCloseSink struct{ audio.Sink }

func (nopCloseSink) Close() error { return nil }
