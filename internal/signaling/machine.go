package signaling

import (
	"errors"
	"fmt"

	"call-signaling/internal/calls"
)

type Trigger string

const (
	TriggerStart            Trigger = "start_call"
	TriggerIncoming         Trigger = "incoming_call"
	TriggerAnswer           Trigger = "answer_call"
	TriggerRemoteAnswer     Trigger = "remote_answer"
	TriggerRemoteEnded      Trigger = "remote_ended"
	TriggerLocalEnd         Trigger = "local_end"
	TriggerTransportFailure Trigger = "transport_failure"
	TriggerSetupFailed      Trigger = "setup_failed"
	TriggerAbort            Trigger = "abort"
	TriggerReset            Trigger = "reset"
)

// ErrTerminal is returned for any trigger other than reset once a call has ended.
var ErrTerminal = errors.New("signaling: call already ended")

var endTriggers = []Trigger{TriggerRemoteEnded, TriggerLocalEnd, TriggerTransportFailure, TriggerSetupFailed}

var transitions = func() map[calls.CallState]map[Trigger]calls.CallState {
	t := map[calls.CallState]map[Trigger]calls.CallState{
		calls.StateIdle: {
			TriggerStart:    calls.StateCalling,
			TriggerIncoming: calls.StateRinging,
			TriggerAbort:    calls.StateIdle,
		},
		calls.StateCalling: {
			TriggerRemoteAnswer: calls.StateActive,
			TriggerAbort:        calls.StateIdle,
		},
		calls.StateRinging: {
			TriggerAnswer: calls.StateActive,
			TriggerAbort:  calls.StateIdle,
		},
		calls.StateActive: {},
		calls.StateEnded: {
			TriggerReset: calls.StateIdle,
		},
	}
	for _, from := range []calls.CallState{calls.StateIdle, calls.StateCalling, calls.StateRinging, calls.StateActive} {
		for _, trig := range endTriggers {
			t[from][trig] = calls.StateEnded
		}
	}
	return t
}()

// Machine is the local call state. It is not safe for concurrent use; the
// Manager guards it with its own lock.
type Machine struct {
	state calls.CallState
}

func NewMachine() *Machine {
	return &Machine{state: calls.StateIdle}
}

func (m *Machine) State() calls.CallState { return m.state }

// Can reports whether t is legal from the current state.
func (m *Machine) Can(t Trigger) bool {
	_, ok := transitions[m.state][t]
	return ok
}

// Fire applies t and returns the resulting state.
func (m *Machine) Fire(t Trigger) (calls.CallState, error) {
	next, ok := transitions[m.state][t]
	if !ok {
		if m.state == calls.StateEnded {
			return m.state, ErrTerminal
		}
		return m.state, fmt.Errorf("%w: %s from %s", ErrInvalidState, t, m.state)
	}
	m.state = next
	return next, nil
}
