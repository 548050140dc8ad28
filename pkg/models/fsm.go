package models

import "fmt"

// RunState is the controller-visible lifecycle state of a run.
type RunState string

const (
	RunStateIdle       RunState = "idle"       // trigger received, work unit not started
	RunStateRunning    RunState = "running"    // work unit executing
	RunStateCompleted  RunState = "completed"  // work unit exited 0
	RunStateTimedOut   RunState = "timed_out"  // work unit truncated by the budget
	RunStateFailed     RunState = "failed"     // work unit exited non-zero, non-timeout
	RunStateTerminated RunState = "terminated" // chain ends here
)

// validRunTransitions maps from-state to allowed to-states.
var validRunTransitions = map[RunState]map[RunState]bool{
	RunStateIdle: {
		RunStateRunning:    true, // confirm=yes, work unit starts
		RunStateTerminated: true, // confirm=no, nothing executed
	},
	RunStateRunning: {
		RunStateCompleted: true,
		RunStateTimedOut:  true,
		RunStateFailed:    true,
	},
	RunStateCompleted: {
		RunStateTerminated: true, // never continues, regardless of policy
	},
	RunStateFailed: {
		RunStateTerminated: true, // surfaced to caller, no retry
	},
	RunStateTimedOut: {
		RunStateIdle:       true, // continuation dispatched, successor takes over
		RunStateTerminated: true, // policy off or chain exhausted
	},
	RunStateTerminated: {},
}

// ValidateRunTransition checks whether a state transition is allowed.
func ValidateRunTransition(from, to RunState) error {
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalRunState reports whether no further transitions are possible.
func IsTerminalRunState(s RunState) bool {
	return s == RunStateTerminated
}

// StateForOutcome maps a work unit outcome onto the run state machine.
func StateForOutcome(o Outcome) RunState {
	switch o.Kind {
	case OutcomeCompleted:
		return RunStateCompleted
	case OutcomeTimedOut:
		return RunStateTimedOut
	default:
		return RunStateFailed
	}
}
