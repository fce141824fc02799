package speaker

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/hearth/internal/reliability"
)

// Options configures a Matcher.
type Options struct {
	Dimension int
	// Threshold is the minimum similarity for a positive match.
	Threshold float64
	// NearMargin accepts a best score within this distance below Threshold.
	// Zero disables near-threshold acceptance.
	NearMargin float64
}

type entry struct {
	profile Profile
	order   uint64
}

// Matcher identifies speakers by cosine similarity against enrolled
// profiles. Enrollment and identification are mutually exclusive.
type Matcher struct {
	mu       sync.RWMutex
	opts     Options
	profiles map[string]*entry
	nextSeq  uint64
	now      func() time.Time
}

// NewMatcher validates opts and returns an empty matcher.
func NewMatcher(opts Options) (*Matcher, error) {
	if opts.Dimension <= 0 {
		return nil, reliability.Configf("speaker embedding dimension must be > 0, got %d", opts.Dimension)
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, reliability.Configf("speaker similarity threshold must be in [0,1], got %v", opts.Threshold)
	}
	if opts.NearMargin < 0 || opts.NearMargin >= 1 {
		return nil, reliability.Configf("speaker near margin must be in [0,1), got %v", opts.NearMargin)
	}
	return &Matcher{
		opts:     opts,
		profiles: make(map[string]*entry),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dimension returns the embedding length the matcher accepts.
func (m *Matcher) Dimension() int { return m.opts.Dimension }

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 { return m.opts.Threshold }

// checkName trims name and rejects names that cannot identify a profile.
func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", ErrEmptyName
	case strings.EqualFold(name, Unknown):
		return "", fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return name, nil
}

func (m *Matcher) checkEmbedding(embedding []float32) error {
	if len(embedding) != m.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), m.opts.Dimension)
	}
	return nil
}

// Enroll stores embedding as the single sample for name, replacing any
// previous samples. Re-enrolling keeps the original enrollment order.
func (m *Matcher) Enroll(name string, embedding []float32) (Profile, error) {
	name, err := checkName(name)
	if err != nil {
		return Profile{}, err
	}
	if err := m.checkEmbedding(embedding); err != nil {
		return Profile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(name)
	e.profile.Samples = [][]float32{append([]float32(nil), embedding...)}
	e.profile.Embedding = meanOfNormalized(e.profile.Samples)
	e.profile.UpdatedAt = m.now()
	return e.profile.clone(), nil
}

// AddSample appends a raw sample for name, creating the profile when
// needed, and recomputes the stored embedding from all raw samples.
func (m *Matcher) AddSample(name string, embedding []float32) (Profile, error) {
	name, err := checkName(name)
	if err != nil {
		return Profile{}, err
	}
	if err := m.checkEmbedding(embedding); err != nil {
		return Profile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(name)
	e.profile.Samples = append(e.profile.Samples, append([]float32(nil), embedding...))
	e.profile.Embedding = meanOfNormalized(e.profile.Samples)
	e.profile.UpdatedAt = m.now()
	return e.profile.clone(), nil
}

func (m *Matcher) entryLocked(name string) *entry {
	e, ok := m.profiles[name]
	if !ok {
		now := m.now()
		m.nextSeq++
		e = &entry{profile: Profile{Name: name, CreatedAt: now}, order: m.nextSeq}
		m.profiles[name] = e
	}
	return e
}

// Recompute rebuilds name's embedding from its raw samples.
func (m *Matcher) Recompute(name string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.profiles[name]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if len(e.profile.Samples) == 0 {
		return Profile{}, ErrNoSamples
	}
	e.profile.Embedding = meanOfNormalized(e.profile.Samples)
	e.profile.UpdatedAt = m.now()
	return e.profile.clone(), nil
}

// RecomputeAll rebuilds every profile that has raw samples and returns the
// updated profiles in enrollment order.
func (m *Matcher) RecomputeAll() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Profile
	for _, e := range m.orderedLocked() {
		if len(e.profile.Samples) == 0 {
			continue
		}
		e.profile.Embedding = meanOfNormalized(e.profile.Samples)
		e.profile.UpdatedAt = m.now()
		out = append(out, e.profile.clone())
	}
	return out
}

// Load replaces the profile set. Profiles are ordered by CreatedAt.
// Profiles whose embedding has the wrong dimension are rejected.
func (m *Matcher) Load(profiles []Profile) error {
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	next := make(map[string]*entry, len(sorted))
	var seq uint64
	for _, p := range sorted {
		p = p.clone()
		if _, err := checkName(p.Name); err != nil {
			return fmt.Errorf("load speaker: %w", err)
		}
		if len(p.Embedding) == 0 && len(p.Samples) > 0 {
			p.Embedding = meanOfNormalized(p.Samples)
		}
		if err := m.checkEmbedding(p.Embedding); err != nil {
			return fmt.Errorf("load speaker %q: %w", p.Name, err)
		}
		for _, s := range p.Samples {
			if err := m.checkEmbedding(s); err != nil {
				return fmt.Errorf("load speaker %q sample: %w", p.Name, err)
			}
		}
		seq++
		next[p.Name] = &entry{profile: p, order: seq}
	}

	m.mu.Lock()
	m.profiles = next
	m.nextSeq = seq
	m.mu.Unlock()
	return nil
}

// put restores a previous copy of a profile, keeping its enrollment order.
func (m *Matcher) put(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(p.Name)
	e.profile = p.clone()
}

// Delete removes name. It reports whether the profile existed.
func (m *Matcher) Delete(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return false
	}
	delete(m.profiles, name)
	return true
}

// Get returns a copy of name's profile.
func (m *Matcher) Get(name string) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.profiles[name]
	if !ok {
		return Profile{}, false
	}
	return e.profile.clone(), true
}

// List returns profile summaries in enrollment order.
func (m *Matcher) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := m.orderedLocked()
	out := make([]Summary, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, Summary{
			Name:        e.profile.Name,
			SampleCount: len(e.profile.Samples),
			CreatedAt:   e.profile.CreatedAt,
			UpdatedAt:   e.profile.UpdatedAt,
		})
	}
	return out
}

// Profiles returns full copies of every profile in enrollment order.
func (m *Matcher) Profiles() []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := m.orderedLocked()
	out := make([]Profile, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, e.profile.clone())
	}
	return out
}

// Count returns the number of enrolled profiles.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles)
}

// Identify returns the best matching profile, or Unknown with the best score
// when it falls below the threshold. Ties go to the earliest enrollment.
func (m *Matcher) Identify(embedding []float32) (MatchResult, error) {
	scores, err := m.Scores(embedding)
	if err != nil {
		return MatchResult{}, err
	}
	return m.Best(scores), nil
}

// Best picks the match from scores as returned by Scores. Ties go to the
// earlier entry.
func (m *Matcher) Best(scores []Score) MatchResult {
	if len(scores) == 0 {
		return MatchResult{Name: Unknown, Score: 0}
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	switch {
	case best.Score >= m.opts.Threshold:
		return MatchResult{Name: best.Name, Score: best.Score}
	case m.opts.NearMargin > 0 && best.Score+m.opts.NearMargin >= m.opts.Threshold:
		return MatchResult{Name: best.Name, Score: best.Score, NearThreshold: true}
	default:
		return MatchResult{Name: Unknown, Score: best.Score}
	}
}

// Scores returns the similarity of embedding to every profile in
// enrollment order.
func (m *Matcher) Scores(embedding []float32) ([]Score, error) {
	if err := m.checkEmbedding(embedding); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := m.orderedLocked()
	out := make([]Score, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, Score{Name: e.profile.Name, Score: Cosine(embedding, e.profile.Embedding)})
	}
	return out, nil
}

func (m *Matcher) orderedLocked() []*entry {
	out := make([]*entry, 0, len(m.profiles))
	for _, e := range m.profiles {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Cosine returns the cosine similarity of a and b clamped to [0,1].
// A zero-norm vector scores 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}

// Normalize returns v scaled to unit length. Zero vectors are returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	norm := math.Sqrt(sum)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func meanOfNormalized(samples [][]float32) []float32 {
	if len(samples) == 0 {
		return nil
	}
	acc := make([]float64, len(samples[0]))
	for _, s := range samples {
		n := Normalize(s)
		for i := range acc {
			acc[i] += float64(n[i])
		}
	}
	mean := make([]float32, len(acc))
	for i := range acc {
		mean[i] = float32(acc[i] / float64(len(samples)))
	}
	return Normalize(mean)
}
