package reconcile

import (
	"sync"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// Observer is called after a flag changes state. It runs outside the lock.
type Observer func(id string, from, to model.FillState)

// Flags is the process-local reconciliation flag set. Each visit id is in at
// most one of none, recentlyFilled or confirmedFilled. Every transition is an
// idempotent set, so a late confirmation racing the expiry timer is harmless.
type Flags struct {
	mu        sync.Mutex
	states    map[string]model.FillState
	observers []Observer
}

// NewFlags creates an empty flag set
func NewFlags() *Flags {
	return &Flags{states: make(map[string]model.FillState)}
}

// Observe registers fn to be told about every state change
func (f *Flags) Observe(fn Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

// FillState returns the current flag for id
func (f *Flags) FillState(id string) model.FillState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

// MarkRecent sets recentlyFilled if no flag is set. It reports whether it did.
func (f *Flags) MarkRecent(id string) bool {
	return f.set(id, model.FillRecent, func(cur model.FillState) bool { return cur == model.FillNone })
}

// Confirm promotes id to confirmedFilled, clearing recentlyFilled
func (f *Flags) Confirm(id string) bool {
	return f.set(id, model.FillConfirmed, func(cur model.FillState) bool { return cur != model.FillConfirmed })
}

// Expire clears recentlyFilled. A confirmed flag is left alone.
func (f *Flags) Expire(id string) bool {
	return f.set(id, model.FillNone, func(cur model.FillState) bool { return cur == model.FillRecent })
}

// Handoff clears confirmedFilled once the authoritative record shows the fill
func (f *Flags) Handoff(id string) bool {
	return f.set(id, model.FillNone, func(cur model.FillState) bool { return cur == model.FillConfirmed })
}

// Clear removes any flag for id
func (f *Flags) Clear(id string) bool {
	return f.set(id, model.FillNone, func(cur model.FillState) bool { return cur != model.FillNone })
}

// Snapshot returns a copy of every set flag
func (f *Flags) Snapshot() map[string]model.FillState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]model.FillState, len(f.states))
	for id, s := range f.states {
		out[id] = s
	}
	return out
}

func (f *Flags) set(id string, to model.FillState, when func(model.FillState) bool) bool {
	f.mu.Lock()
	from := f.states[id]
	if !when(from) {
		f.mu.Unlock()
		return false
	}
	if to == model.FillNone {
		delete(f.states, id)
	} else {
		f.states[id] = to
	}
	observers := f.observers
	f.mu.Unlock()

	for _, fn := range observers {
		fn(id, from, to)
	}
	return true
}
