package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecompositionFailure means the executor output could not be turned into tasks
	ErrDecompositionFailure = errors.New("decomposition failure")
	// ErrTaskExecutionFailure is recorded on a task whose executor call failed
	ErrTaskExecutionFailure = errors.New("task execution failure")
	// ErrBuildFailure means the build failed and no healing budget was available
	ErrBuildFailure = errors.New("build failure")
	// ErrHealingExhausted means the build still fails after all healing attempts
	ErrHealingExhausted = errors.New("healing exhausted")
	// ErrGraphDeadlock means pending tasks remain but none can ever become executable
	ErrGraphDeadlock = errors.New("dependency graph deadlock")

	ErrCycleDetected       = errors.New("cycle detected")
	ErrDanglingDependency  = errors.New("dangling dependency")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNotResumable        = errors.New("run cannot be resumed")
	ErrRunNotFound         = errors.New("run not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidAgentCommand = errors.New("invalid agent command")
)

// GraphErrorKind distinguishes structural dependency errors
type GraphErrorKind string

const (
	CycleDetected      GraphErrorKind = "cycle_detected"
	DanglingDependency GraphErrorKind = "dangling_dependency"
)

// GraphError is a structural problem in a task dependency graph. It is fatal to the run.
type GraphError struct {
	Kind GraphErrorKind
	// NodeID is the task that references the bad dependency or starts the cycle
	NodeID string
	// Missing is the unknown dependency for DanglingDependency
	Missing string
	// Cycle lists the node IDs forming the cycle, first node repeated at the end
	Cycle []string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case CycleDetected:
		return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case DanglingDependency:
		return fmt.Sprintf("dangling dependency: %s depends on unknown %s", e.NodeID, e.Missing)
	default:
		return "dependency graph error"
	}
}

// Unwrap lets errors.Is match ErrCycleDetected / ErrDanglingDependency
func (e *GraphError) Unwrap() error {
	switch e.Kind {
	case CycleDetected:
		return ErrCycleDetected
	case DanglingDependency:
		return ErrDanglingDependency
	}
	return nil
}
