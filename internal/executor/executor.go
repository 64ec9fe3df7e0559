// Package executor defines the Task Executor collaborator and its implementations.
// An executor takes a prompt plus context and returns generated output, the files it
// touched and token usage. It is opaque to the orchestrator: a remote model call, a
// local coding agent, or any other tool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProgressFunc receives intermediate progress in [0,1] with a short action description
type ProgressFunc func(progress float64, action string)

// Request is one unit of work handed to an executor
type Request struct {
	Prompt     string
	Context    string
	WorkingDir string
	// OnProgress is optional; executors that cannot report progress ignore it
	OnProgress ProgressFunc
}

// Result is what an executor reports back
type Result struct {
	Output        string
	CreatedFiles  []string
	ModifiedFiles []string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Success       bool
	Error         string
}

// TaskExecutor runs one task. A returned error means the call itself failed
// (transport, process start, timeout); a Result with Success=false means the
// executor ran but reports failure.
type TaskExecutor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// Func adapts a function to the TaskExecutor interface
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Name returns a fixed name for function executors
func (f Func) Name() string { return "func" }

// ErrTimeout is returned when an executor call exceeds its deadline
var ErrTimeout = errors.New("executor call timed out")

// timeoutExecutor bounds every call with a deadline
type timeoutExecutor struct {
	inner   TaskExecutor
	timeout time.Duration
}

// WithTimeout wraps an executor so each call is bounded; timeouts surface as ErrTimeout.
// A zero timeout returns inner unchanged.
func WithTimeout(inner TaskExecutor, timeout time.Duration) TaskExecutor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutExecutor{inner: inner, timeout: timeout}
}

func (t *timeoutExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.inner.Execute(ctx, req)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
	}
	return res, err
}

func (t *timeoutExecutor) Name() string { return t.inner.Name() }

// Outcome folds a call error into a Result so callers only handle one shape
func Outcome(res *Result, err error) *Result {
	if err != nil {
		if res == nil {
			res = &Result{}
		}
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}
	if res == nil {
		return &Result{Success: false, Error: "executor returned no result"}
	}
	if !res.Success && res.Error == "" {
		res.Error = "executor reported failure"
	}
	return res
}
