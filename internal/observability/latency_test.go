package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyWindowStats(t *testing.T) {
	w := newLatencyWindow(8)
	for _, v := range []float64{900, 500, 700} {
		w.observe("utterance_to_first_audio", v)
	}
	w.observe("turn_total", -1)
	w.count("barge_in")
	w.count(" barge_in ")
	w.count("")

	snap := w.snapshot()
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, 8, snap.WindowSize)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 700.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Equal(t, 880.0, s.P95MS)
	assert.Equal(t, 1400.0, s.TargetP95MS)
	assert.False(t, s.OverTarget())
	assert.Equal(t, []TurnIndicator{{Name: "barge_in", Count: 2}}, snap.Indicators)
}

func TestLatencyWindowKeepsNewest(t *testing.T) {
	w := newLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.observe("turn_total", v)
	}
	s := w.snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 || s.LastMS != 30 {
		t.Fatalf("stats = %+v, want newest two samples", s)
	}

	w.reset()
	if snap := w.snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("reset left %+v", snap)
	}
}

func TestStageOverTarget(t *testing.T) {
	w := newLatencyWindow(4)
	w.observe("speaker_identify", 450)
	w.observe("stt_final", 9000)
	snap := w.snapshot()
	require.Len(t, snap.Stages, 2)
	assert.True(t, snap.Stages[0].OverTarget())
	assert.Equal(t, "stt_final", snap.Stages[1].Stage)
	assert.False(t, snap.Stages[1].OverTarget(), "stages without a budget never exceed it")
}

func TestPercentileBounds(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.5))
	vals := []float64{1, 2, 3, 4}
	assert.Equal(t, 1.0, percentile(vals, 0))
	assert.Equal(t, 4.0, percentile(vals, 1))
	assert.Equal(t, 2.5, percentile(vals, 0.5))
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics("hearth")
	b := NewMetrics("hearth")
	a.SetPhase("listening")
	a.ObserveTurnStage("speaker_identify", 120*time.Millisecond)
	b.ObserveEvent("wake")

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, `hearth_session_phase{phase="listening"} 1`) {
		t.Fatalf("missing phase gauge in:\n%s", text)
	}
	if strings.Contains(text, `event="wake"`) {
		t.Fatalf("registry leaked events from another instance")
	}
	if got := a.TurnStageSnapshot().Stages[0].Stage; got != "speaker_identify" {
		t.Fatalf("window stage = %q", got)
	}
	a.ResetTurnStages()
	assert.Empty(t, a.TurnStageSnapshot().Stages)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SetPhase("dormant")
	m.ObserveEvent("x")
	m.ObserveTurnStage("x", time.Second)
	m.ObserveIndicator("x")
	m.ResetTurnStages()
	if snap := m.TurnStageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil snapshot stages = %d", len(snap.Stages))
	}
}
