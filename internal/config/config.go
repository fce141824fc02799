// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/hearth/internal/reliability"
)

// Config contains all runtime settings for the voice assistant.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	AllowAnyOrigin   bool

	MemoryMaxTurns    int
	ExitPhrases       []string
	IdleTimeout       time.Duration
	GenerationTimeout time.Duration
	SegmentTimeout    time.Duration
	StageQueueSize    int
	TTSMaxInflight    int
	BargeIn           bool
	Farewell          string
	FarewellSpoken    bool

	WakeWordEngine    string
	WakePhrases       []string
	WakeWordWorkerCmd []string
	WakeWordThreshold float64

	VoiceProvider             string
	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int
	LocalWhisperBeamSize  int
	LocalPiperBinary      string
	LocalPiperModelPath   string
	LocalPiperSampleRate  int

	LLMProvider     string
	LLMSystemPrompt string
	LANLLMURL       string
	LANLLMModel     string
	GroqAPIKey      string
	GroqModel       string
	GroqBaseURL     string
	GeminiAPIKey    string
	GeminiModel     string

	SpeakerIDEnabled    bool
	SpeakerThreshold    float64
	SpeakerNearMargin   float64
	SpeakerEmbeddingDim int
	SpeakerSnippet      time.Duration
	EmbeddingProvider   string
	EmbeddingHTTPURL    string
	DatabaseURL         string

	AudioDevice        string
	CaptureSampleRate  int
	PlaybackSampleRate int
	LocalTimezone      string
}

// Load reads .env (APP_ENV_FILE, default ".env") into the environment
// without overriding variables already set, then resolves every key from
// the environment, the YAML file named by APP_CONFIG_FILE, and finally the
// built-in defaults, in that order.
func Load() (Config, error) {
	envFile := envOrDefault("APP_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, reliability.Configf("read %s: %v", envFile, err)
	}

	file := map[string]string{}
	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		var err error
		if file, err = readYAML(path); err != nil {
			return Config{}, err
		}
	}
	return resolve(func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return file[key]
	})
}

// readYAML parses a flat mapping of setting names to scalars or lists.
//
//	MEMORY_MAX_TURNS: 6
//	WAKE_PHRASES: [hearth, hey hearth]
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, reliability.Configf("read config file: %v", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, reliability.Configf("parse config file %s: %v", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch v := v.(type) {
		case nil:
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, strings.TrimSpace(fmt.Sprint(item)))
			}
			out[key] = strings.Join(items, ",")
		case map[string]any:
			return nil, reliability.Configf("config file %s: %s must be a scalar or list", path, key)
		default:
			out[key] = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return out, nil
}

func resolve(lookup func(string) string) (Config, error) {
	r := &reader{lookup: lookup}
	cfg := Config{
		BindAddr:         r.str("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:  r.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second),
		MetricsNamespace: r.str("APP_METRICS_NAMESPACE", "hearth"),
		LogLevel:         r.str("APP_LOG_LEVEL", "info"),
		LogFormat:        r.str("APP_LOG_FORMAT", "text"),
		AllowAnyOrigin:   r.boolean("APP_ALLOW_ANY_ORIGIN", false),

		MemoryMaxTurns:    r.integer("MEMORY_MAX_TURNS", 10),
		ExitPhrases:       r.list("SESSION_EXIT_PHRASES", ","),
		IdleTimeout:       r.duration("SESSION_IDLE_TIMEOUT", 2*time.Minute),
		GenerationTimeout: r.duration("TURN_GENERATION_TIMEOUT", 20*time.Second),
		SegmentTimeout:    r.duration("TTS_SEGMENT_TIMEOUT", 10*time.Second),
		StageQueueSize:    r.integer("STAGE_QUEUE_SIZE", 8),
		TTSMaxInflight:    r.integer("TTS_MAX_INFLIGHT", 2),
		BargeIn:           r.boolean("BARGE_IN", false),
		Farewell:          r.str("FAREWELL_TEXT", "Goodbye."),
		FarewellSpoken:    r.boolean("FAREWELL_SPOKEN", false),

		WakeWordEngine:    strings.ToLower(r.str("WAKEWORD_ENGINE", "phrase")),
		WakePhrases:       r.list("WAKE_PHRASES", ","),
		WakeWordWorkerCmd: strings.Fields(r.str("WAKEWORD_WORKER_CMD", "")),
		WakeWordThreshold: r.float("WAKEWORD_THRESHOLD", 0.5),

		VoiceProvider:             strings.ToLower(r.str("VOICE_PROVIDER", "auto")),
		ElevenLabsAPIKey:          r.str("ELEVENLABS_API_KEY", ""),
		ElevenLabsWSBaseURL:       r.str("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:        r.str("ELEVENLABS_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel:        r.str("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsSTTModel:        r.str("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsTTSOutputFormat: r.str("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_22050"),

		LocalWhisperCLI:       r.str("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: r.str("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.en.bin"),
		LocalWhisperLanguage:  r.str("LOCAL_WHISPER_LANGUAGE", "en"),
		// 0 lets whisper.cpp pick from the CPU count.
		LocalWhisperThreads:  r.integer("LOCAL_WHISPER_THREADS", 0),
		LocalWhisperBeamSize: r.integer("LOCAL_WHISPER_BEAM_SIZE", 1),
		LocalPiperBinary:     r.str("LOCAL_PIPER_BINARY", "piper"),
		LocalPiperModelPath:  r.str("LOCAL_PIPER_MODEL_PATH", ".models/piper/en_US-amy-medium.onnx"),
		LocalPiperSampleRate: r.integer("LOCAL_PIPER_SAMPLE_RATE", 22050),

		LLMProvider:     strings.ToLower(r.str("LLM_PROVIDER", "auto")),
		LLMSystemPrompt: r.str("LLM_SYSTEM_PROMPT", ""),
		LANLLMURL:       r.str("LAN_LLM_URL", ""),
		LANLLMModel:     r.str("LAN_LLM_MODEL", ""),
		GroqAPIKey:      r.str("GROQ_API_KEY", ""),
		GroqModel:       r.str("GROQ_MODEL", ""),
		GroqBaseURL:     r.str("GROQ_BASE_URL", ""),
		GeminiAPIKey:    r.str("GEMINI_API_KEY", ""),
		GeminiModel:     r.str("GEMINI_MODEL", ""),

		SpeakerIDEnabled:    r.boolean("SPEAKER_ID_ENABLED", true),
		SpeakerThreshold:    r.float("SPEAKER_SIMILARITY_THRESHOLD", 0.75),
		SpeakerNearMargin:   r.float("SPEAKER_NEAR_MARGIN", 0),
		SpeakerEmbeddingDim: r.integer("SPEAKER_EMBEDDING_DIM", 0),
		SpeakerSnippet:      r.duration("SPEAKER_SNIPPET", 1500*time.Millisecond),
		EmbeddingProvider:   strings.ToLower(r.str("EMBEDDING_PROVIDER", "bands")),
		EmbeddingHTTPURL:    r.str("EMBEDDING_HTTP_URL", ""),
		DatabaseURL:         r.str("DATABASE_URL", ""),

		AudioDevice:        strings.ToLower(r.str("AUDIO_DEVICE", "local")),
		CaptureSampleRate:  r.integer("CAPTURE_SAMPLE_RATE", 16000),
		PlaybackSampleRate: r.integer("PLAYBACK_SAMPLE_RATE", 22050),
		LocalTimezone:      r.str("LOCAL_TIMEZONE", "Local"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, reliability.Configf(format, args...))
		}
	}
	check(c.MemoryMaxTurns >= 0, "MEMORY_MAX_TURNS must be >= 0")
	check(c.IdleTimeout >= 0, "SESSION_IDLE_TIMEOUT must be >= 0")
	check(c.GenerationTimeout > 0, "TURN_GENERATION_TIMEOUT must be positive")
	check(c.SegmentTimeout > 0, "TTS_SEGMENT_TIMEOUT must be positive")
	check(c.StageQueueSize > 0, "STAGE_QUEUE_SIZE must be positive")
	check(c.TTSMaxInflight > 0, "TTS_MAX_INFLIGHT must be positive")
	check(c.ShutdownTimeout > 0, "APP_SHUTDOWN_TIMEOUT must be positive")
	check(oneOf(c.WakeWordEngine, "phrase", "worker", "mock"), "WAKEWORD_ENGINE must be phrase, worker or mock, got %q", c.WakeWordEngine)
	check(c.WakeWordEngine != "worker" || len(c.WakeWordWorkerCmd) > 0, "WAKEWORD_WORKER_CMD is required when WAKEWORD_ENGINE=worker")
	check(c.WakeWordThreshold > 0 && c.WakeWordThreshold <= 1, "WAKEWORD_THRESHOLD must be in (0,1]")
	check(oneOf(c.VoiceProvider, "auto", "elevenlabs", "local", "mock"), "VOICE_PROVIDER must be auto, elevenlabs, local or mock, got %q", c.VoiceProvider)
	check(c.VoiceProvider != "elevenlabs" || c.ElevenLabsAPIKey != "", "ELEVENLABS_API_KEY is required when VOICE_PROVIDER=elevenlabs")
	check(c.LocalWhisperThreads >= 0, "LOCAL_WHISPER_THREADS must be >= 0")
	check(c.LocalWhisperBeamSize > 0, "LOCAL_WHISPER_BEAM_SIZE must be positive")
	check(c.LocalPiperSampleRate > 0, "LOCAL_PIPER_SAMPLE_RATE must be positive")
	check(oneOf(c.LLMProvider, "auto", "lan", "groq", "gemini", "mock"), "LLM_PROVIDER must be auto, lan, groq, gemini or mock, got %q", c.LLMProvider)
	check(c.SpeakerThreshold >= 0 && c.SpeakerThreshold <= 1, "SPEAKER_SIMILARITY_THRESHOLD must be in [0,1]")
	check(c.SpeakerNearMargin >= 0 && c.SpeakerNearMargin < 1, "SPEAKER_NEAR_MARGIN must be in [0,1)")
	check(c.SpeakerEmbeddingDim >= 0, "SPEAKER_EMBEDDING_DIM must be >= 0")
	check(c.SpeakerSnippet >= 0, "SPEAKER_SNIPPET must be >= 0")
	check(oneOf(c.EmbeddingProvider, "bands", "http"), "EMBEDDING_PROVIDER must be bands or http, got %q", c.EmbeddingProvider)
	check(c.EmbeddingProvider != "http" || (c.EmbeddingHTTPURL != "" && c.SpeakerEmbeddingDim > 0),
		"EMBEDDING_HTTP_URL and SPEAKER_EMBEDDING_DIM are required when EMBEDDING_PROVIDER=http")
	check(oneOf(c.AudioDevice, "local", "ws", "null"), "AUDIO_DEVICE must be local, ws or null, got %q", c.AudioDevice)
	check(c.CaptureSampleRate > 0 && c.PlaybackSampleRate > 0, "sample rates must be positive")
	if _, err := c.Location(); err != nil {
		errs = append(errs, reliability.Configf("LOCAL_TIMEZONE: %v", err))
	}
	return errors.Join(errs...)
}

// Location resolves LocalTimezone.
func (c Config) Location() (*time.Location, error) {
	if c.LocalTimezone == "" || strings.EqualFold(c.LocalTimezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.LocalTimezone)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// reader resolves typed settings and keeps the first parse error.
type reader struct {
	lookup func(string) string
	err    error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = reliability.Configf("%s parse error: %v", key, err)
	}
}

func (r *reader) str(key, fallback string) string {
	if v := strings.TrimSpace(r.lookup(key)); v != "" {
		return v
	}
	return fallback
}

func (r *reader) list(key, sep string) []string {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return n
}

func (r *reader) float(key string, fallback float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return f
}

func (r *reader) boolean(key string, fallback bool) bool {
	switch v := strings.ToLower(r.str(key, "")); v {
	case "":
		return fallback
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		r.fail(key, fmt.Errorf("expected bool, got %q", v))
		return fallback
	}
}
