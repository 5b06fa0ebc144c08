package transfer

import "fmt"

// machineState is the lifecycle of one transfer attempt
type machineState string

const (
	stateIdle     machineState = "IDLE"
	stateStarting machineState = "STARTING"
	statePolling  machineState = "POLLING"
	stateSuccess  machineState = "SUCCESS"
	stateFailure  machineState = "FAILURE"
)

type event string

const (
	evStart       event = "start"
	evHandle      event = "handle"       // TaskHandle received
	evStartFailed event = "start_failed" // start request rejected
	evProgress    event = "progress"     // non-terminal snapshot
	evSucceeded   event = "succeeded"    // SUCCESS snapshot, with or without row errors
	evFailed      event = "failed"       // FAILURE snapshot, polling failed or timed out
)

// transitions lists every legal edge. Anything else is rejected.
var transitions = map[machineState]map[event]machineState{
	stateIdle: {
		evStart: stateStarting,
	},
	stateStarting: {
		evHandle:      statePolling,
		evStartFailed: stateFailure,
	},
	statePolling: {
		evProgress:  statePolling,
		evSucceeded: stateSuccess,
		evFailed:    stateFailure,
	},
}

// machine is the explicit finite-state value for one transfer kind
type machine struct {
	state machineState
}

func newMachine() *machine {
	return &machine{state: stateIdle}
}

// fire applies ev or returns ErrIllegalTransition leaving state untouched
func (m *machine) fire(ev event) error {
	next, ok := transitions[m.state][ev]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, m.state)
	}
	m.state = next
	return nil
}

// reset reopens the machine. Terminal states are sinks for their attempt,
// so only a fresh start or a cancel comes through here.
func (m *machine) reset() {
	m.state = stateIdle
}

func (m *machine) terminal() bool {
	return m.state == stateSuccess || m.state == stateFailure
}

// phase maps the machine state to the observable phase
func (m *machine) phase() Phase {
	switch m.state {
	case stateStarting:
		return PhaseStarting
	case statePolling:
		return PhasePolling
	case stateSuccess:
		return PhaseDone
	case stateFailure:
		return PhaseErrored
	default:
		return PhaseIdle
	}
}
