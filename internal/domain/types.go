package domain

import "fmt"

// RunState represents the lifecycle state of a pipeline run
type RunState string

const (
	RunIdle        RunState = "idle"
	RunDecomposing RunState = "decomposing"
	RunExecuting   RunState = "executing"
	RunBuilding    RunState = "building"
	RunHealing     RunState = "healing"
	RunPaused      RunState = "paused"
	RunCompleted   RunState = "completed"
	RunFailed      RunState = "failed"
	RunCancelled   RunState = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsActive returns true while the controller is working on the run
func (s RunState) IsActive() bool {
	switch s {
	case RunDecomposing, RunExecuting, RunBuilding, RunHealing:
		return true
	}
	return false
}

// Phase is one of the four ordered stages of a run
type Phase int

const (
	PhaseDecomposition Phase = 1
	PhaseDevelopment   Phase = 2
	PhaseBuild         Phase = 3
	PhaseHealing       Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseDecomposition:
		return "decomposition"
	case PhaseDevelopment:
		return "development"
	case PhaseBuild:
		return "build"
	case PhaseHealing:
		return "healing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known phases
func (p Phase) Valid() bool {
	return p >= PhaseDecomposition && p <= PhaseHealing
}

// TaskStatus represents the lifecycle state of a decomposed task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal returns true once the task will not run again in this pass
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// ExecutionMode selects how the development phase dispatches tasks
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ParseExecutionMode maps a config string to a mode, defaulting to sequential
func ParseExecutionMode(s string) ExecutionMode {
	if ExecutionMode(s) == ModeParallel {
		return ModeParallel
	}
	return ModeSequential
}

// LogLevel is the severity of a run log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Severity of a build diagnostic
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ParseSeverity maps compiler wording to a Severity. Unknown wording counts as an error.
func ParseSeverity(s string) Severity {
	switch s {
	case "warning", "warn", "WARNING", "Warning":
		return SeverityWarning
	case "note", "info", "hint", "INFO", "Info":
		return SeverityInfo
	default:
		return SeverityError
	}
}
