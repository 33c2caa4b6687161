package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatmirror/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Syncing  State = "SYNCING"
	Idle     State = "IDLE"
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Syncing, Error},
	Syncing:  {Idle, Degraded, Error},
	Idle:     {Syncing, Degraded, Error},
	Degraded: {Syncing, Idle, Error},
	Error:    {Booting},
}

// Snapshot is the machine's state at one instant. Reason explains the last
// move into Degraded or Error and is empty otherwise.
type Snapshot struct {
	State  State
	Since  time.Time
	Reason string
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu   sync.RWMutex
	snap Snapshot
	bus  *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		snap: Snapshot{State: Booting, Since: time.Now()},
		bus:  b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return m.Snapshot().State
}

// Snapshot returns the current state with its entry time and reason.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Serving reports whether the daemon is doing useful work.
func (m *Machine) Serving() bool {
	switch m.Current() {
	case Syncing, Idle, Degraded:
		return true
	}
	return false
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, nil)
}

// Move is Transition for callers that report the same state repeatedly:
// staying put only refreshes the reason and emits no event. cause is kept
// as the reason for Degraded and Error.
func (m *Machine) Move(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State == to {
		m.snap.Reason = reason(to, cause)
		return nil
	}
	return m.transitionLocked(to, cause)
}

func (m *Machine) transitionLocked(to State, cause error) error {
	from := m.snap.State
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.snap = Snapshot{State: to, Since: time.Now(), Reason: reason(to, cause)}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{From: from, To: to, Reason: m.snap.Reason}))
	}
	return nil
}

func reason(to State, cause error) string {
	if cause == nil || (to != Degraded && to != Error) {
		return ""
	}
	return cause.Error()
}
