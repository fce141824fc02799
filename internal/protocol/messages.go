package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk   MessageType = "client_audio_chunk"
	TypeClientControl      MessageType = "client_control"
	TypePhaseChanged       MessageType = "phase_changed"
	TypeSTTPartial         MessageType = "stt_partial"
	TypeSTTCommitted       MessageType = "stt_committed"
	TypeSpeakerIdentified  MessageType = "speaker_identified"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypePlaybackFlush      MessageType = "playback_flush"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionWake  = "wake"
	ActionSleep = "sleep"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid client message")
)

// ClientAudioChunk carries microphone audio from a browser audio device.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

type PhaseChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Phase     string      `json:"phase"`
	Previous  string      `json:"previous"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type STTPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type SpeakerIdentified struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Name      string      `json:"name"`
	Score     float64     `json:"score"`
	Known     bool        `json:"known"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

// Turn end reasons.
const (
	TurnCompleted = "completed"
	TurnCanceled  = "canceled"
	TurnBargeIn   = "barge_in"
	TurnFailed    = "failed"
)

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
	Text      string      `json:"text,omitempty"`
}

// PlaybackFlush tells an audio client to drop everything it has queued.
type PlaybackFlush struct {
	Type MessageType `json:"type"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes one inbound frame into ClientAudioChunk or
// ClientControl. Malformed frames wrap ErrInvalidMessage; well-formed frames
// of any other type return ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch head.Type {
	case TypeClientAudioChunk:
		return decodeClient[ClientAudioChunk](raw)
	case TypeClientControl:
		return decodeClient[ClientControl](raw)
	}
	return nil, fmt.Errorf("%w %q", ErrUnsupportedType, head.Type)
}

type clientMessage interface {
	ClientAudioChunk | ClientControl
	validate() error
}

func decodeClient[M clientMessage](raw []byte) (any, error) {
	var msg M
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func (m ClientAudioChunk) validate() error {
	switch {
	case m.PCM16Base64 == "":
		return errors.New("empty audio payload")
	case m.SampleRate <= 0:
		return fmt.Errorf("sample rate %d", m.SampleRate)
	}
	return nil
}

func (m ClientControl) validate() error {
	if m.Action != ActionWake && m.Action != ActionSleep {
		return fmt.Errorf("unknown control action %q", m.Action)
	}
	return nil
}

// Meta returns the wire type of an outbound message and whether it must
// survive subscriber backpressure.
func Meta(msg any) (msgType MessageType, critical bool) {
	switch m := msg.(type) {
	case ClientAudioChunk:
		return m.Type, false
	case STTPartial:
		return m.Type, false
	case AssistantTextDelta:
		return m.Type, false
	case AssistantAudioChunk:
		return m.Type, false
	case SystemEvent:
		return m.Type, false
	case ClientControl:
		return m.Type, true
	case PhaseChanged:
		return m.Type, true
	case STTCommitted:
		return m.Type, true
	case SpeakerIdentified:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case PlaybackFlush:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	}
	return "unknown", false
}
