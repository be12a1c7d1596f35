package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrAlreadyRunning    = errors.New("a run is already in progress")
	ErrSolverUnavailable = errors.New("solver unavailable")
	ErrNotFound          = errors.New("not found")
)

// InvalidConfigError names the offending field of a rejected RunConfig.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return &InvalidConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SolverUnavailableError is returned by a failed preflight. Remediation is
// meant to be shown to the user verbatim.
type SolverUnavailableError struct {
	Reason      string
	Remediation string
}

func (e *SolverUnavailableError) Error() string {
	if e.Remediation == "" {
		return "solver unavailable: " + e.Reason
	}
	return "solver unavailable: " + e.Reason + ": " + e.Remediation
}

func (e *SolverUnavailableError) Is(target error) bool {
	return target == ErrSolverUnavailable
}

// FailureKind classifies a non-successful terminal outcome.
type FailureKind string

const (
	NoSolutionFound    FailureKind = "NoSolutionFound"
	GenericSolverError FailureKind = "GenericSolverError"
	ProcessSpawnError  FailureKind = "ProcessSpawnError"
	UserCanceled       FailureKind = "UserCanceled"
	PersistError       FailureKind = "PersistError"
)

// Advice returns the user facing remediation hint for a failure kind.
func (k FailureKind) Advice() string {
	switch k {
	case NoSolutionFound:
		return "No schedule satisfies every hard constraint. Relax pinned timesets, training pairs or equality constraints and try again."
	case GenericSolverError:
		return "The solver stopped with an error. Check the log output for details."
	case ProcessSpawnError:
		return "The solver could not be started. Verify the configured solver path and its permissions."
	case UserCanceled:
		return "The run was canceled."
	case PersistError:
		return "The solver finished but its results could not be stored in the history."
	default:
		return ""
	}
}
