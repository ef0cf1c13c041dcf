package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of a connection handle
type State string

const (
	// StateDisconnected indicates the handle is not connected
	StateDisconnected State = "disconnected"
	// StateConnecting indicates the initial handshake is in progress
	StateConnecting State = "connecting"
	// StateConnected indicates the handle is connected
	StateConnected State = "connected"
	// StateReconnecting indicates the connection was interrupted and is being restored
	StateReconnecting State = "reconnecting"
	// StateDisconnecting indicates a requested disconnect is in progress
	StateDisconnecting State = "disconnecting"
	// StateError indicates the initial handshake failed
	StateError State = "error"
)

// Connection lifecycle events
const (
	EventConnect     = "connect"
	EventEstablished = "established"
	EventFail        = "fail"
	EventInterrupt   = "interrupt"
	EventResume      = "resume"
	EventDisconnect  = "disconnect"
	EventClosed      = "closed"
)

// StateMachine guards connection state transitions
type StateMachine struct {
	fsm *fsm.FSM
}

// NewStateMachine returns a machine in StateDisconnected. onChange, if not
// nil, is called after every transition and must not fire further events.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	events := fsm.Events{
		{Name: EventConnect, Src: []string{string(StateDisconnected), string(StateError)}, Dst: string(StateConnecting)},
		{Name: EventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: EventFail, Src: []string{string(StateConnecting)}, Dst: string(StateError)},
		{Name: EventInterrupt, Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
		{Name: EventResume, Src: []string{string(StateReconnecting)}, Dst: string(StateConnected)},
		{Name: EventDisconnect, Src: []string{
			string(StateConnecting),
			string(StateConnected),
			string(StateReconnecting),
			string(StateError),
		}, Dst: string(StateDisconnecting)},
		{Name: EventClosed, Src: []string{string(StateDisconnecting)}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{}
	if onChange != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			onChange(State(e.Src), State(e.Dst))
		}
	}

	return &StateMachine{
		fsm: fsm.NewFSM(string(StateDisconnected), events, callbacks),
	}
}

// Fire applies event. Firing an event that is not valid in the current
// state returns an error and leaves the state unchanged.
func (m *StateMachine) Fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("connection state %s: %w", m.Current(), err)
	}
	return nil
}

// Current returns the current state
func (m *StateMachine) Current() State {
	return State(m.fsm.Current())
}

// Is reports whether the machine is in state s
func (m *StateMachine) Is(s State) bool {
	return m.fsm.Is(string(s))
}

// Can reports whether event is valid in the current state
func (m *StateMachine) Can(event string) bool {
	return m.fsm.Can(event)
}
