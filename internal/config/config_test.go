package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/hearth/internal/reliability"
)

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MemoryMaxTurns != 10 {
		t.Fatalf("MemoryMaxTurns = %d, want 10", cfg.MemoryMaxTurns)
	}
	if cfg.GenerationTimeout != 20*time.Second {
		t.Fatalf("GenerationTimeout = %v, want 20s", cfg.GenerationTimeout)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Fatalf("IdleTimeout = %v, want 2m", cfg.IdleTimeout)
	}
	if cfg.WakeWordEngine != "phrase" || cfg.VoiceProvider != "auto" || cfg.LLMProvider != "auto" {
		t.Fatalf("providers = %q/%q/%q", cfg.WakeWordEngine, cfg.VoiceProvider, cfg.LLMProvider)
	}
	if cfg.FarewellSpoken || cfg.BargeIn {
		t.Fatalf("FarewellSpoken/BargeIn should default to false")
	}
	if cfg.ExitPhrases != nil {
		t.Fatalf("ExitPhrases = %q, want nil so session defaults apply", cfg.ExitPhrases)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("MEMORY_MAX_TURNS", "4")
	t.Setenv("SESSION_EXIT_PHRASES", "see you later, good night ,")
	t.Setenv("BARGE_IN", "yes")
	t.Setenv("WAKEWORD_ENGINE", "worker")
	t.Setenv("WAKEWORD_WORKER_CMD", "python3 scripts/oww_worker.py --model hey_hearth")
	t.Setenv("LOCAL_TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MemoryMaxTurns)
	assert.Equal(t, []string{"see you later", "good night"}, cfg.ExitPhrases)
	assert.True(t, cfg.BargeIn)
	assert.Equal(t, []string{"python3", "scripts/oww_worker.py", "--model", "hey_hearth"}, cfg.WakeWordWorkerCmd)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadYAMLFileBelowEnvironment(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory_max_turns: 6
WAKE_PHRASES: [hearth, hey computer]
TURN_GENERATION_TIMEOUT: 5s
SPEAKER_SIMILARITY_THRESHOLD: 0.8
`), 0o600))
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("TURN_GENERATION_TIMEOUT", "7s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.MemoryMaxTurns)
	assert.Equal(t, []string{"hearth", "hey computer"}, cfg.WakePhrases)
	assert.Equal(t, 7*time.Second, cfg.GenerationTimeout)
	assert.InDelta(t, 0.8, cfg.SpeakerThreshold, 1e-9)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_BIND_ADDR=:7000\nGROQ_MODEL=from-dotenv\n"), 0o600))
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9090")
	// Set-but-empty counts as present for godotenv.
	require.NoError(t, os.Unsetenv("GROQ_MODEL"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, "from-dotenv", cfg.GroqModel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TURN_GENERATION_TIMEOUT":      "soon",
		"MEMORY_MAX_TURNS":             "-1",
		"WAKEWORD_ENGINE":              "porcupine",
		"SPEAKER_SIMILARITY_THRESHOLD": "1.5",
		"AUDIO_DEVICE":                 "bluetooth",
		"BARGE_IN":                     "maybe",
		"LOCAL_TIMEZONE":               "Mars/Olympus",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			isolate(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.ErrorIs(t, err, reliability.ErrConfigInvalid)
		})
	}
}

func TestLoadRequiresWorkerCommand(t *testing.T) {
	isolate(t)
	t.Setenv("WAKEWORD_ENGINE", "worker")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAKEWORD_WORKER_CMD")
}

// isolate clears every key Load reads so the host environment cannot leak
// into a test.
func isolate(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE", "APP_CONFIG_FILE", "APP_BIND_ADDR", "APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE", "APP_LOG_LEVEL", "APP_LOG_FORMAT", "APP_ALLOW_ANY_ORIGIN",
		"MEMORY_MAX_TURNS", "SESSION_EXIT_PHRASES", "SESSION_IDLE_TIMEOUT",
		"TURN_GENERATION_TIMEOUT", "TTS_SEGMENT_TIMEOUT", "STAGE_QUEUE_SIZE", "TTS_MAX_INFLIGHT",
		"BARGE_IN", "FAREWELL_TEXT", "FAREWELL_SPOKEN", "WAKEWORD_ENGINE", "WAKE_PHRASES",
		"WAKEWORD_WORKER_CMD", "WAKEWORD_THRESHOLD", "VOICE_PROVIDER", "ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL", "ELEVENLABS_TTS_VOICE_ID", "ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_STT_MODEL_ID", "ELEVENLABS_TTS_OUTPUT_FORMAT", "LOCAL_WHISPER_CLI",
		"LOCAL_WHISPER_MODEL_PATH", "LOCAL_WHISPER_LANGUAGE", "LOCAL_WHISPER_THREADS",
		"LOCAL_WHISPER_BEAM_SIZE", "LOCAL_PIPER_BINARY", "LOCAL_PIPER_MODEL_PATH",
		"LOCAL_PIPER_SAMPLE_RATE", "LLM_PROVIDER", "LLM_SYSTEM_PROMPT", "LAN_LLM_URL",
		"LAN_LLM_MODEL", "GROQ_API_KEY", "GROQ_MODEL", "GROQ_BASE_URL", "GEMINI_API_KEY",
		"GEMINI_MODEL", "SPEAKER_ID_ENABLED", "SPEAKER_SIMILARITY_THRESHOLD",
		"SPEAKER_NEAR_MARGIN", "SPEAKER_EMBEDDING_DIM", "SPEAKER_SNIPPET", "EMBEDDING_PROVIDER",
		"EMBEDDING_HTTP_URL", "DATABASE_URL", "AUDIO_DEVICE", "CAPTURE_SAMPLE_RATE",
		"PLAYBACK_SAMPLE_RATE", "LOCAL_TIMEZONE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Point at a file that does not exist so a developer .env is ignored.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
