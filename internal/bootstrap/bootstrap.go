// Package bootstrap provides the flag that marks the bootstrap phase, the
// interval in which checkpointed state is replayed into fresh objects.
package bootstrap

import "sync/atomic"

// Source is the read side of the phase flag. Ledger entries snapshot it once
// when they are constructed.
type Source interface {
	Active() bool
}

// Phase is the process-wide bootstrap flag. The orchestrator owns and toggles
// it; everything else only reads it through Source.
type Phase struct {
	active atomic.Bool
}

// NewPhase returns a Phase initialised to active.
func NewPhase(active bool) *Phase {
	p := &Phase{}
	p.active.Store(active)
	return p
}

func (p *Phase) Active() bool {
	return p.active.Load()
}

// Set changes the phase and returns the previous value.
func (p *Phase) Set(active bool) bool {
	return p.active.Swap(active)
}

// Fixed is a Source that never changes.
type Fixed bool

func (f Fixed) Active() bool {
	return bool(f)
}
