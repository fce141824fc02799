package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_audio_chunk","seq":3,"pcm16_base64":"AAEC","sample_rate":16000,"ts_ms":99}`))
	require.NoError(t, err)
	assert.Equal(t, ClientAudioChunk{Type: TypeClientAudioChunk, Seq: 3, PCM16Base64: "AAEC", SampleRate: 16000, TSMs: 99}, msg)

	msg, err = ParseClientMessage([]byte(`{"type":"client_control","action":"wake","reason":"kitchen_button"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientControl{Type: TypeClientControl, Action: ActionWake, Reason: "kitchen_button"}, msg)
}

func TestParseClientMessageErrors(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"not json":       {`{"type":`, ErrInvalidMessage},
		"server type":    {`{"type":"assistant_turn_end"}`, ErrUnsupportedType},
		"missing type":   {`{}`, ErrUnsupportedType},
		"empty audio":    {`{"type":"client_audio_chunk","sample_rate":16000}`, ErrInvalidMessage},
		"no sample rate": {`{"type":"client_audio_chunk","pcm16_base64":"AAEC"}`, ErrInvalidMessage},
		"bad action":     {`{"type":"client_control","action":"reboot"}`, ErrInvalidMessage},
		"wrong field":    {`{"type":"client_control","action":7}`, ErrInvalidMessage},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMetaMarksControlMessagesCritical(t *testing.T) {
	critical := []any{
		PhaseChanged{Type: TypePhaseChanged},
		STTCommitted{Type: TypeSTTCommitted},
		AssistantTurnEnd{Type: TypeAssistantTurnEnd},
		PlaybackFlush{Type: TypePlaybackFlush},
		ErrorEvent{Type: TypeErrorEvent},
	}
	for _, m := range critical {
		typ, crit := Meta(m)
		assert.True(t, crit, "%s should be critical", typ)
	}
	droppable := []any{
		STTPartial{Type: TypeSTTPartial},
		AssistantTextDelta{Type: TypeAssistantTextDelta},
		AssistantAudioChunk{Type: TypeAssistantAudio},
	}
	for _, m := range droppable {
		typ, crit := Meta(m)
		assert.False(t, crit, "%s should be droppable", typ)
	}
	typ, _ := Meta(struct{}{})
	assert.Equal(t, MessageType("unknown"), typ)
}

func BenchmarkParseClientAudio(b *testing.B) {
	raw := []byte(`{"type":"client_audio_chunk","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000,"ts_ms":123456}`)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatal(err)
		}
	}
}
