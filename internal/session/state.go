package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/hearth/internal/memory"
)

type Status string

const (
	StatusDormant Status = "dormant"
	StatusActive  Status = "active"
)

// Snapshot is a point-in-time copy of the session for read-only consumers.
type Snapshot struct {
	ID                string    `json:"session_id,omitempty"`
	Status            Status    `json:"status"`
	Speaker           string    `json:"speaker,omitempty"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	MemoryTurns       int       `json:"memory_turns"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LastActivityAt    time.Time `json:"last_activity_at,omitempty"`
	IdleTimeoutMS     int64     `json:"idle_timeout_ms"`
}

// Options configures a State.
type Options struct {
	MaxTurns    int
	ExitPhrases []string
	IdleTimeout time.Duration
}

// State tracks whether the assistant is in an active session and owns the
// session's conversational memory. A single owner mutates it; Snapshot is
// safe to call from other goroutines.
type State struct {
	mu                sync.RWMutex
	id                string
	active            bool
	speaker           string
	activeTurnID      string
	turnCount         int
	interruptionCount int
	startedAt         time.Time
	lastActivityAt    time.Time
	idleTimeout       time.Duration

	memory *memory.Buffer
	exit   exitMatcher
	now    func() time.Time
}

// New creates a dormant session. Empty ExitPhrases selects DefaultExitPhrases.
func New(opts Options) (*State, error) {
	buf, err := memory.NewBuffer(opts.MaxTurns)
	if err != nil {
		return nil, err
	}
	phrases := opts.ExitPhrases
	if len(phrases) == 0 {
		phrases = DefaultExitPhrases
	}
	idle := opts.IdleTimeout
	if idle < 0 {
		idle = 0
	}
	return &State{
		memory:      buf,
		exit:        newExitMatcher(phrases),
		idleTimeout: idle,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Memory returns the session's conversational memory.
func (s *State) Memory() *memory.Buffer {
	return s.memory
}

// Activate starts a fresh session, clearing memory, and returns its ID.
// Activating an already active session restarts it.
func (s *State) Activate() string {
	s.memory.Clear()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.NewString()
	s.active = true
	s.speaker = ""
	s.activeTurnID = ""
	s.turnCount = 0
	s.interruptionCount = 0
	s.startedAt = now
	s.lastActivityAt = now
	return s.id
}

// Deactivate ends the session and clears memory. No-op when dormant.
func (s *State) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.speaker = ""
	s.activeTurnID = ""
	s.startedAt = time.Time{}
	s.lastActivityAt = s.now()
	s.mu.Unlock()

	s.memory.Clear()
}

// Active reports whether a session is in progress.
func (s *State) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ID returns the current session ID, empty when dormant.
func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return ""
	}
	return s.id
}

// ShouldExit reports whether text is one of the configured exit phrases.
func (s *State) ShouldExit(text string) bool {
	return s.exit.Match(text)
}

// Duration returns how long the session has been active.
func (s *State) Duration() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active || s.startedAt.IsZero() {
		return 0, false
	}
	return s.now().Sub(s.startedAt), true
}

// SetSpeaker records the identified speaker for the current session.
func (s *State) SetSpeaker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.speaker = name
	}
}

// Speaker returns the identified speaker, empty if unknown or pending.
func (s *State) Speaker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speaker
}

// Touch records user activity for idle accounting.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = s.now()
}

// StartTurn marks turnID in flight.
func (s *State) StartTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurnID = turnID
	s.turnCount++
	s.lastActivityAt = s.now()
}

// EndTurn clears the in-flight turn.
func (s *State) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurnID = ""
	s.lastActivityAt = s.now()
}

// Interrupt clears the in-flight turn after a barge-in.
func (s *State) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptionCount++
	s.activeTurnID = ""
	s.lastActivityAt = s.now()
}

// IdleExpired reports whether an active session without a turn in flight
// has been idle longer than the idle timeout. Zero timeout never expires.
func (s *State) IdleExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active || s.idleTimeout <= 0 || s.activeTurnID != "" {
		return false
	}
	return s.now().Sub(s.lastActivityAt) >= s.idleTimeout
}

// IdleTimeout returns the configured idle timeout.
func (s *State) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// Snapshot returns a copy of the session state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Status:            StatusDormant,
		TurnCount:         s.turnCount,
		InterruptionCount: s.interruptionCount,
		MemoryTurns:       s.memory.Len(),
		LastActivityAt:    s.lastActivityAt,
		IdleTimeoutMS:     s.idleTimeout.Milliseconds(),
	}
	if s.active {
		snap.ID = s.id
		snap.Status = StatusActive
		snap.Speaker = s.speaker
		snap.ActiveTurnID = s.activeTurnID
		snap.StartedAt = s.startedAt
	}
	return snap
}
