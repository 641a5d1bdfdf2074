// Package status tracks the lifecycle of the real-time connection.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/sectorsync/internal/bus"
)

// State is a connection lifecycle state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Open       State = "OPEN"
	Closed     State = "CLOSED"
)

// There is no transition back into Connecting from Open: reconnecting always
// goes through Closed or Idle, and only on an explicit request.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Open, Closed, Idle},
	Open:       {Closed, Idle},
	Closed:     {Connecting, Idle},
}

// Machine enforces connection state transitions and announces each one on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	context string
	bus     *bus.Bus
}

func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Context returns the sector the current state refers to.
func (m *Machine) Context() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.context
}

// Transition moves to the given state for contextID. Transitioning to the
// current state is a no-op.
func (m *Machine) Transition(to State, contextID string) error {
	m.mu.Lock()
	from := m.current
	if from == to && m.context == contextID {
		m.mu.Unlock()
		return nil
	}
	if from != to && !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.context = contextID
	m.mu.Unlock()

	m.bus.Emit(bus.TransportStateChanged, Change{From: from, To: to, Context: contextID})
	return nil
}

// Change is the payload of transport.state_changed events.
type Change struct {
	From    State  `json:"from"`
	To      State  `json:"to"`
	Context string `json:"context"`
}
