// Package build runs the project build after task execution and turns its
// output into structured diagnostics.
package build

import (
	"context"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// Runner builds a working directory. Run never returns an error: invocation
// failures are reported as an unsuccessful attempt with ExitCode -1.
type Runner interface {
	Run(ctx context.Context, workingDir string) domain.BuildAttempt
}

// Func adapts a plain build function to the Runner interface
type Func func(ctx context.Context, workingDir string) (success bool, output string, err error)

// Run calls f and parses diagnostics from its output
func (f Func) Run(ctx context.Context, workingDir string) domain.BuildAttempt {
	start := time.Now()
	success, output, err := f(ctx, workingDir)
	attempt := domain.BuildAttempt{
		Success:    success && err == nil,
		Output:     output,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	switch {
	case err != nil:
		return invocationFailure(attempt, err)
	case !success:
		attempt.ExitCode = 1
	}
	attempt.Errors = diagnose(attempt.Success, output)
	return attempt
}

// invocationFailure marks an attempt whose build could not even run
func invocationFailure(attempt domain.BuildAttempt, err error) domain.BuildAttempt {
	attempt.Success = false
	attempt.ExitCode = -1
	attempt.Errors = []domain.BuildError{{
		Severity: domain.SeverityError,
		Message:  "build invocation failed: " + err.Error(),
	}}
	return attempt
}

// diagnose parses diagnostics and guarantees at least one error on failure
func diagnose(success bool, output string) []domain.BuildError {
	diags := ParseDiagnostics(output)
	if success {
		return diags
	}
	for _, d := range diags {
		if d.Severity == domain.SeverityError {
			return diags
		}
	}
	return append(diags, domain.BuildError{
		Severity: domain.SeverityError,
		Message:  "build failed: " + tail(output, 20),
	})
}
