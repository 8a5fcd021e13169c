package metrics

import (
	"sync"
	"time"
)

// PhaseTracker records the current phase of a run and its transitions.
type PhaseTracker struct {
	mu      sync.RWMutex
	current Phase
	history []PhaseChange
}

// NewPhaseTracker creates a tracker starting in PhaseInit.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{
		current: PhaseInit,
		history: []PhaseChange{{Phase: PhaseInit, Timestamp: time.Now()}},
	}
}

// Set moves to phase and reports whether it differs from the current one.
func (p *PhaseTracker) Set(phase Phase, iterations int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == phase {
		return false
	}
	p.current = phase
	p.history = append(p.history, PhaseChange{
		Phase:      phase,
		Timestamp:  time.Now(),
		Iterations: iterations,
	})
	return true
}

// Current returns the current phase.
func (p *PhaseTracker) Current() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// History returns a copy of the phase transitions in order.
func (p *PhaseTracker) History() []PhaseChange {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PhaseChange, len(p.history))
	copy(out, p.history)
	return out
}
