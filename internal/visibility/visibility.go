// Package visibility tracks whether the UI surface is currently shown to
// the user. Polling pauses while hidden and alerts fire only while hidden.
package visibility

import (
	"sync"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
)

const changed = "changed"

// State is the visibility flag of one session.
type State struct {
	mu      sync.RWMutex
	visible bool
	bus     *eventbus.Bus[bool]
}

// New creates a state with the given initial value.
func New(visible bool) *State {
	return &State{visible: visible, bus: eventbus.New[bool]()}
}

// Visible reports the current value.
func (s *State) Visible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// Hidden is the negation of Visible.
func (s *State) Hidden() bool {
	return !s.Visible()
}

// Set updates the flag and notifies listeners when it changes.
func (s *State) Set(visible bool) {
	s.mu.Lock()
	if s.visible == visible {
		s.mu.Unlock()
		return
	}
	s.visible = visible
	s.mu.Unlock()

	s.bus.Publish(changed, visible)
}

// OnChange registers fn for every transition.
func (s *State) OnChange(fn func(visible bool)) eventbus.Unsubscribe {
	return s.bus.Subscribe(changed, fn)
}
