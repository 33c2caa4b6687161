package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/chatmirror/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.Serving() {
		t.Error("Serving() = true while booting")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Syncing},
		{Booting, Error},
		{Syncing, Idle},
		{Syncing, Degraded},
		{Idle, Syncing},
		{Degraded, Syncing},
		{Degraded, Idle},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Idle); err == nil {
		t.Error("Transition(BOOTING -> IDLE) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Syncing); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Syncing {
		t.Errorf("change = %v -> %v, want BOOTING -> SYNCING", change.From, change.To)
	}
}

// TestSweepCycle walks the steady-state loop of a daemon whose sweeps
// alternate between clean and failing runs:
// BOOTING → SYNCING → IDLE → SYNCING → DEGRADED → SYNCING → IDLE
func TestSweepCycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Syncing, Idle, Syncing, Degraded, Syncing, Idle}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
		if !m.Serving() {
			t.Errorf("Serving() = false in %s", s)
		}
	}
}

// TestErrorRequiresReboot verifies that ERROR can only be left by booting again.
func TestErrorRequiresReboot(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Error)

	if err := m.Transition(Syncing); err == nil {
		t.Fatal("Transition(ERROR -> SYNCING) should fail")
	}
	if err := m.Transition(Booting); err != nil {
		t.Fatalf("ERROR -> BOOTING: %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:  {},
		Syncing:  {Syncing},
		Idle:     {Syncing, Idle},
		Degraded: {Syncing, Degraded},
		Error:    {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

func TestMoveRecordsReason(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Syncing)
	<-ch

	if err := m.Move(Degraded, errors.New("listing failed")); err != nil {
		t.Fatal(err)
	}
	change := (<-ch).Payload.(StatusChange)
	if change.Reason != "listing failed" {
		t.Errorf("event reason = %q", change.Reason)
	}
	since := m.Snapshot().Since

	if err := m.Move(Degraded, errors.New("still failing")); err != nil {
		t.Fatalf("Move to the current state: %v", err)
	}
	snap := m.Snapshot()
	if snap.Reason != "still failing" || !snap.Since.Equal(since) {
		t.Errorf("snapshot = %+v, want refreshed reason and unchanged since", snap)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v for a repeated state", evt.Payload)
	default:
	}

	if err := m.Move(Syncing, errors.New("ignored")); err != nil {
		t.Fatal(err)
	}
	if got := m.Snapshot().Reason; got != "" {
		t.Errorf("reason outside Degraded/Error = %q", got)
	}
	if err := m.Move(Booting, nil); err == nil {
		t.Error("Move(SYNCING -> BOOTING) should fail")
	}
}
