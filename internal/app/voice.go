package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/hearth/internal/config"
	"github.com/ent0n29/hearth/internal/voice"
)

type voiceSetup struct {
	stt              voice.STTProvider
	tts              voice.TTSProvider
	options          voice.VoiceOptions
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, logger *slog.Logger) (voiceSetup, error) {
	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		return voiceSetup{
			stt:              p,
			tts:              p,
			options:          voice.VoiceOptions{VoiceID: cfg.ElevenLabsTTSVoice, ModelID: cfg.ElevenLabsTTSModel},
			resolvedProvider: "elevenlabs",
			detail:           "elevenlabs realtime",
		}, true
	}

	tryLocal := func(fatal bool) (voiceSetup, bool, error) {
		p, err := voice.NewLocalProvider(voice.LocalConfig{
			WhisperCLI:       cfg.LocalWhisperCLI,
			WhisperModelPath: cfg.LocalWhisperModelPath,
			WhisperLanguage:  cfg.LocalWhisperLanguage,
			WhisperThreads:   cfg.LocalWhisperThreads,
			WhisperBeamSize:  cfg.LocalWhisperBeamSize,
			PiperBinary:      cfg.LocalPiperBinary,
			PiperModelPath:   cfg.LocalPiperModelPath,
			PiperSampleRate:  cfg.LocalPiperSampleRate,
		})
		if err != nil {
			if fatal {
				return voiceSetup{}, false, fmt.Errorf("local voice provider init failed: %w", err)
			}
			logger.Info("local voice provider unavailable", "error", err)
			return voiceSetup{}, false, nil
		}
		return voiceSetup{
			stt:              p,
			tts:              p,
			options:          voice.VoiceOptions{ModelID: "piper"},
			resolvedProvider: "local",
			detail:           "local (whisper.cpp + piper)",
		}, true, nil
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{stt: p, tts: p, resolvedProvider: "mock", detail: detail}
	}

	switch cfg.VoiceProvider {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "local":
		setup, _, err := tryLocal(true)
		return setup, err
	case "mock":
		return mock("mock"), nil
	case "auto", "":
		eleven, hasEleven := tryElevenLabs()
		local, hasLocal, err := tryLocal(false)
		if err != nil {
			return voiceSetup{}, err
		}
		if hasEleven && hasLocal {
			stt, tts := voice.NewFailoverPair(eleven.stt, eleven.tts, local.stt, local.tts, local.options, logger)
			return voiceSetup{
				stt:              stt,
				tts:              tts,
				options:          eleven.options,
				resolvedProvider: "elevenlabs",
				detail:           "elevenlabs realtime (automatic local fallback)",
			}, nil
		}
		if hasEleven {
			return eleven, nil
		}
		if hasLocal {
			return local, nil
		}
		return mock("mock (no elevenlabs key and local voice unavailable)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|local|mock)", cfg.VoiceProvider)
	}
}

func newWakeDetector(cfg config.Config, stt voice.STTProvider, logger *slog.Logger) (voice.WakeWordDetector, error) {
	switch cfg.WakeWordEngine {
	case "worker":
		return voice.NewWorkerDetector(cfg.WakeWordWorkerCmd, cfg.WakeWordThreshold, logger)
	case "mock":
		return voice.NewMockDetector(), nil
	default:
		return voice.NewPhraseDetector(stt, cfg.WakePhrases, logger), nil
	}
}
