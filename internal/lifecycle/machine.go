package lifecycle

import "sync"

// Machine owns the lifecycle State between evaluations. A fresh Machine
// starts from the zero State; there is no other way to reset it.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{}
}

// Dispatch evaluates p against the current state and returns the effects
// to execute.
func (m *Machine) Dispatch(p SyncPayload) Effects {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, fx := Reduce(m.state, p)
	m.state = next
	return fx
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
