package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/hearth/internal/speaker"
)

func TestChunkPCM(t *testing.T) {
	pcm := make([]byte, 16000*2) // 1s at 16kHz
	chunks := chunkPCM(pcm, 16000, 40)
	if len(chunks) != 25 {
		t.Fatalf("len(chunks) = %d, want 25", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 1280 {
			t.Fatalf("chunk %d len = %d, want 1280", i, len(c))
		}
	}

	odd := chunkPCM(make([]byte, 1001), 16000, 10)
	total := 0
	for _, c := range odd {
		if len(c)%2 != 0 {
			t.Fatalf("chunk splits a sample: len %d", len(c))
		}
		total += len(c)
	}
	assert.Equal(t, 1000, total)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "no turns produced audio", summarize(nil))
	got := summarize([]time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond})
	assert.Equal(t, "first audio over 3 turns: p50=200ms p95=300ms max=300ms", got)
}

func TestPerfFlagsDefaults(t *testing.T) {
	cmd := &PerfCmd{}
	parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs([]string{"a.wav", "b.wav"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cmd.URL)
	assert.Equal(t, 4, cmd.Turns)
	assert.Equal(t, 1200*time.Millisecond, cmd.Tail)
	assert.Equal(t, []string{"a.wav", "b.wav"}, cmd.Args.Clips)
}

func TestEnrollRequiresClip(t *testing.T) {
	cmd := &EnrollCmd{}
	parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs([]string{"dad"})
	assert.Error(t, err)

	cmd = &EnrollCmd{}
	parser = flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	_, err = parser.ParseArgs([]string{"--replace", "dad", "one.wav", "two.wav"})
	require.NoError(t, err)
	assert.True(t, cmd.Replace)
	assert.Equal(t, "dad", cmd.Args.Name)
	assert.Len(t, cmd.Args.Clips, 2)
}

func TestHelpExitsZero(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--help"}))
	assert.Equal(t, 1, run([]string{"bogus"}))
}

func TestPrintSpeakers(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, printSpeakers(&buf, []speaker.Summary{{Name: "dad", SampleCount: 3, UpdatedAt: at}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"dad", "3", "2026-01-02T03:04:05Z"}, strings.Fields(lines[1]))
}
