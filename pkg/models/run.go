package models

import (
	"fmt"
	"strings"
	"time"
)

// ExitCodeTimeout is the conventional exit code for a work unit that was
// truncated by the wall-clock budget (SIGTERM-based, same convention as
// coreutils timeout(1)).
const ExitCodeTimeout = 124

// OutcomeKind classifies how a run ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the result of executing one bounded work unit.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
}

// ClassifyExit derives the outcome from a work unit exit code. The exit code
// is the sole classification signal: partial artifacts on disk are ignored.
func ClassifyExit(code int) Outcome {
	switch code {
	case 0:
		return Outcome{Kind: OutcomeCompleted, ExitCode: 0}
	case ExitCodeTimeout:
		return Outcome{Kind: OutcomeTimedOut, ExitCode: ExitCodeTimeout}
	default:
		return Outcome{Kind: OutcomeFailed, ExitCode: code}
	}
}

// ShouldContinue computes the continuation decision for this outcome.
// Only a timed-out run with the policy flag set spawns a successor.
func (o Outcome) ShouldContinue(autoContinue bool) bool {
	return o.Kind == OutcomeTimedOut && autoContinue
}

func (o Outcome) String() string {
	if o.Kind == OutcomeFailed {
		return fmt.Sprintf("%s(%d)", o.Kind, o.ExitCode)
	}
	return string(o.Kind)
}

// RunRequest carries the trigger parameters for one invocation. It is
// ephemeral: created by an external trigger or by a continuation dispatch,
// consumed by exactly one work unit execution.
type RunRequest struct {
	Confirm      bool
	AutoContinue bool
	Ref          string // logical branch key, also the single-flight key
	CreatedAt    time.Time
}

// ParseFlag parses the yes/no trigger enum used by workflow inputs.
func ParseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid flag value %q (want yes or no)", s)
	}
}

// FlagString renders a boolean back into the yes/no wire form.
func FlagString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
