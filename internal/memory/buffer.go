package memory

import (
	"strings"
	"sync"

	"github.com/ent0n29/hearth/internal/reliability"
)

// Buffer is a bounded FIFO of turns holding the last maxTurns exchanges
// (2*maxTurns entries). It lives only in process memory.
type Buffer struct {
	mu       sync.RWMutex
	maxTurns int
	turns    []Turn
}

// NewBuffer creates a buffer for maxTurns exchanges. Zero disables memory.
func NewBuffer(maxTurns int) (*Buffer, error) {
	if maxTurns < 0 {
		return nil, reliability.Configf("memory max turns must be >= 0, got %d", maxTurns)
	}
	return &Buffer{maxTurns: maxTurns}, nil
}

// Capacity is the maximum number of stored turns.
func (b *Buffer) Capacity() int {
	return b.maxTurns * 2
}

// Append adds turn at the tail, evicting the oldest entries past capacity.
func (b *Buffer) Append(turn Turn) {
	capacity := b.Capacity()
	if capacity == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, turn)
	if over := len(b.turns) - capacity; over > 0 {
		kept := make([]Turn, capacity)
		copy(kept, b.turns[over:])
		b.turns = kept
	}
}

// Snapshot returns the stored turns oldest first.
func (b *Buffer) Snapshot() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Len returns the number of stored turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// RenderContext formats the buffer as "User: ..." / "Assistant: ..." lines.
// An empty buffer renders as the empty string.
func (b *Buffer) RenderContext() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.turns) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, t := range b.turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(t.Role.Label())
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}

// Clear drops all turns.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.turns = nil
	b.mu.Unlock()
}
