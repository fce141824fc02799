package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageTargets holds the p95 budget in milliseconds for the turn stages the
// voice loop reports. Stages without a budget report a zero target.
var stageTargets = map[string]float64{
	"speaker_identify":         300,
	"utterance_to_first_text":  900,
	"utterance_to_first_audio": 1400,
	"turn_total":               6000,
}

// TurnStageStats summarizes one stage over the rolling window.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// OverTarget reports whether the stage's p95 exceeds its budget.
func (s TurnStageStats) OverTarget() bool {
	return s.TargetP95MS > 0 && s.P95MS > s.TargetP95MS
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is served by the latency endpoint.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent len(buf) samples of one stage.
type ring struct {
	buf   []float64
	n     int
	total int
}

func (r *ring) add(v float64) {
	r.buf[r.total%len(r.buf)] = v
	r.total++
	r.n = min(r.n+1, len(r.buf))
}

func (r *ring) last() float64 {
	return r.buf[(r.total-1)%len(r.buf)]
}

func (r *ring) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.buf[:r.n])
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     r.n,
		LastMS:      roundMS(r.last()),
		AvgMS:       roundMS(sum / float64(r.n)),
		P50MS:       roundMS(percentile(sorted, 0.50)),
		P95MS:       roundMS(percentile(sorted, 0.95)),
		P99MS:       roundMS(percentile(sorted, 0.99)),
		TargetP95MS: stageTargets[stage],
	}
}

type latencyWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*ring
	counts map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, rings: map[string]*ring{}, counts: map[string]int{}}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		snap.Stages = append(snap.Stages, w.rings[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.counts)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	clear(w.rings)
	clear(w.counts)
	w.mu.Unlock()
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
