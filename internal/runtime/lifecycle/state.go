package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is the process-wide lifecycle state.
type State int32

const (
	Starting State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transition records a single state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine enforces one-directional transitions:
// Starting -> Running -> ShuttingDown -> Stopped. Starting may also jump
// straight to ShuttingDown when startup fails.
//
// Only the coordinator that owns a Machine should call To; everybody else
// reads through State/Done.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition
	onEnter func(Transition)
	stopped chan struct{}
}

func NewMachine(onEnter func(Transition)) *Machine {
	return &Machine{
		state:   Starting,
		onEnter: onEnter,
		stopped: make(chan struct{}),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of all transitions so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Stopped is closed once the machine reaches Stopped.
func (m *Machine) Stopped() <-chan struct{} { return m.stopped }

// To moves the machine forward. Moving backwards (or re-entering the
// current state) returns an error and leaves the state untouched.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	cur := m.state
	if next <= cur || next > Stopped {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: invalid transition %s -> %s", cur, next)
	}
	if cur == Starting && next == Stopped {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: invalid transition %s -> %s", cur, next)
	}
	tr := Transition{From: cur, To: next, At: time.Now()}
	m.state = next
	m.history = append(m.history, tr)
	hook := m.onEnter
	if next == Stopped {
		close(m.stopped)
	}
	m.mu.Unlock()

	if hook != nil {
		hook(tr)
	}
	return nil
}
