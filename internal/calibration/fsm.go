package calibration

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Session states.
const (
	StateIdle      = "idle"
	StateConnected = "connected"
	StateTesting   = "testing"
	StateCooling   = "cooling"
	StateAborted   = "aborted"
	StateCompleted = "completed"
)

// Session events.
const (
	EventConnect  = "connect"
	EventStart    = "start"
	EventCool     = "cool"
	EventResume   = "resume"
	EventAbort    = "abort"
	EventComplete = "complete"
)

// StateObserver is told about every state change of a session.
// It runs synchronously on the goroutine that caused the transition.
type StateObserver func(label, from, to string)

// IsTerminal reports whether no further transitions can leave state.
func IsTerminal(state string) bool {
	return state == StateAborted || state == StateCompleted
}

// wrapEvent adapts an error-returning callback to fsm.Callback.
func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

type stateMachine struct {
	*fsm.FSM
	label    string
	observer StateObserver
}

func newStateMachine(label string, observer StateObserver) *stateMachine {
	m := &stateMachine{label: label, observer: observer}

	events := fsm.Events{
		{Name: EventConnect, Src: []string{StateIdle}, Dst: StateConnected},
		{Name: EventStart, Src: []string{StateConnected}, Dst: StateTesting},
		{Name: EventCool, Src: []string{StateTesting}, Dst: StateCooling},
		{Name: EventResume, Src: []string{StateCooling}, Dst: StateTesting},
		{Name: EventAbort, Src: []string{StateConnected, StateTesting, StateCooling}, Dst: StateAborted},

		// A run with no speeds completes straight from connected.
		{Name: EventComplete, Src: []string{StateConnected, StateTesting}, Dst: StateCompleted},
	}

	callbacks := fsm.Callbacks{
		"enter_state": wrapEvent(m.actionEnterState),
	}

	m.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return m
}

// fire runs event detached from any caller context. looplab/fsm refuses a
// transition on a done context and then stays mid-transition, after which
// not even abort can move the session.
func (m *stateMachine) fire(event string) error {
	return m.Event(context.Background(), event)
}

// actionEnterState logs the transition and notifies the observer.
func (m *stateMachine) actionEnterState(_ context.Context, e *fsm.Event) error {
	slog.Debug("[CAL] state change", "controller", m.label, "event", e.Event, "from", e.Src, "to", e.Dst)
	if m.observer != nil {
		m.observer(m.label, e.Src, e.Dst)
	}
	return nil
}
