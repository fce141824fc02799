package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModelID   string
	OutputFormat string
}

// ElevenLabsProvider streams audio to the ElevenLabs realtime STT endpoint
// and text to its stream-input TTS endpoint. TTS output is requested as raw
// PCM so chunks can go straight to the sink.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_22050"
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		retryable := false
		if resp != nil {
			retryable = reliability.TransientStatus(resp.StatusCode)
		}
		return nil, &reliability.EngineError{Provider: p.Name(), Cause: err, Retryable: retryable}
	}
	return conn, nil
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	q := url.Values{}
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	conn, err := p.dial(ctx, "/v1/speech-to-text/realtime", q)
	if err != nil {
		return nil, nil, withStage(err, "stt")
	}

	events := make(chan STTEvent, 256)
	s := &elevenSTTSession{conn: conn, events: events, done: make(chan struct{})}
	go s.readLoop()
	return s, events, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, reliability.Configf("elevenlabs voice id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_flash_v2_5"
	}

	q := url.Values{}
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	conn, err := p.dial(ctx, "/v1/text-to-speech/"+url.PathEscape(voiceID)+"/stream-input", q)
	if err != nil {
		return nil, withStage(err, "tts")
	}

	s := &elevenTTSStream{
		conn:       conn,
		events:     make(chan TTSEvent, 512),
		done:       make(chan struct{}),
		sampleRate: pcmRateFromFormat(p.cfg.OutputFormat),
	}
	go s.readLoop()
	// The first message carries voice settings and must be a single space.
	if err := s.writeJSON(map[string]any{
		"text":           " ",
		"voice_settings": clampSettings(settings),
	}); err != nil {
		_ = s.Close()
		return nil, reliability.Engine("tts", p.Name(), err)
	}
	return s, nil
}

func withStage(err error, stage string) error {
	if e, ok := err.(*reliability.EngineError); ok {
		e.Stage = stage
	}
	return err
}

func clampSettings(s TTSSettings) map[string]any {
	clamp := func(v, def, lo, hi float64) float64 {
		if v <= 0 {
			v = def
		}
		return min(max(v, lo), hi)
	}
	return map[string]any{
		"stability":        clamp(s.Stability, 0.42, 0, 1),
		"similarity_boost": clamp(s.SimilarityBoost, 0.85, 0, 1),
		"speed":            clamp(s.Speed, 1.0, 0.7, 1.2),
	}
}

// pcmRateFromFormat reads the sample rate from formats like "pcm_22050".
func pcmRateFromFormat(format string) int {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	rate, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return rate
}

type elevenSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan STTEvent
}

func (s *elevenSTTSession) SendAudio(_ context.Context, frame audio.Frame) error {
	return s.send(audio.SamplesToBytes(frame.Samples), frame.SampleRate, false)
}

func (s *elevenSTTSession) Commit(_ context.Context) error {
	return s.send(nil, 16000, true)
}

func (s *elevenSTTSession) send(pcm []byte, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop owns the events channel and closes it once the socket ends.
func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		ev := STTEvent{Source: "elevenlabs", Timestamp: time.Now()}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			ev.Type, ev.Text = STTEventPartial, asString(raw["text"])
		case "committed_transcript", "committed_transcript_with_timestamps":
			ev.Type, ev.Text = STTEventCommitted, asString(raw["text"])
		case "", "session_started", "input_audio_chunk":
			continue
		default:
			ev.Type = STTEventError
			ev.Code = messageType
			ev.Detail = asString(raw["error"])
			ev.Retryable = reliability.TransientCode(messageType)
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type elevenTTSStream struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
	events     chan TTSEvent
	sampleRate int
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenTTSStream) emit(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		var batch []TTSEvent
		if encoded := asString(raw["audio"]); encoded != "" {
			pcm, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				batch = append(batch, TTSEvent{Type: TTSEventError, Code: "bad_audio", Detail: err.Error()})
			} else {
				batch = append(batch, TTSEvent{Type: TTSEventAudio, Audio: pcm, SampleRate: s.sampleRate})
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			batch = append(batch, TTSEvent{Type: TTSEventFinal})
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			batch = append(batch, TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.TransientCode(code)})
		}
		for _, ev := range batch {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
