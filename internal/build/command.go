package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// OutputCallback is called for each line of build output
type OutputCallback func(stream, line string)

// CommandConfig configures a CommandRunner
type CommandConfig struct {
	// Command is run with sh -c in the working directory
	Command string
	Timeout time.Duration
	Env     map[string]string
	// UseNixShell wraps the command in `nix develop --command`
	UseNixShell bool
	OnOutput    OutputCallback
}

// CommandRunner runs a shell build command
type CommandRunner struct {
	config CommandConfig
	logger *slog.Logger
}

// NewCommandRunner creates a build runner for a shell command
func NewCommandRunner(config CommandConfig, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{config: config, logger: logger}
}

// Run implements Runner
func (r *CommandRunner) Run(ctx context.Context, workingDir string) domain.BuildAttempt {
	start := time.Now()
	attempt := domain.BuildAttempt{StartedAt: start}

	if strings.TrimSpace(r.config.Command) == "" {
		attempt.FinishedAt = time.Now()
		return invocationFailure(attempt, errors.New("no build command configured"))
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if r.config.UseNixShell {
		cmd = exec.CommandContext(ctx, "nix", "develop", "--command", "sh", "-c", r.config.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", r.config.Command)
	}
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	for k, v := range r.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var mu sync.Mutex
	var combined strings.Builder
	stdout := &lineWriter{stream: "stdout", mu: &mu, out: &combined, onLine: r.config.OnOutput}
	stderr := &lineWriter{stream: "stderr", mu: &mu, out: &combined, onLine: r.config.OnOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// children that inherit the pipes must not hold Wait past cancellation
	cmd.WaitDelay = 2 * time.Second

	r.logger.Debug("build starting", "command", r.config.Command, "dir", workingDir)
	if err := cmd.Start(); err != nil {
		attempt.FinishedAt = time.Now()
		return invocationFailure(attempt, fmt.Errorf("starting command: %w", err))
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	attempt.FinishedAt = time.Now()
	attempt.Output = combined.String()

	if ctx.Err() != nil {
		return invocationFailure(attempt, fmt.Errorf("build interrupted: %w", ctx.Err()))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return invocationFailure(attempt, fmt.Errorf("command failed: %w", err))
		}
		attempt.ExitCode = exitErr.ExitCode()
	}

	attempt.Success = attempt.ExitCode == 0
	attempt.Errors = diagnose(attempt.Success, attempt.Output)
	r.logger.Info("build finished",
		"success", attempt.Success,
		"exit_code", attempt.ExitCode,
		"errors", attempt.ErrorCount(),
		"duration", attempt.FinishedAt.Sub(start).Round(time.Millisecond))
	return attempt
}

// lineWriter splits a stream into lines for the combined output and callback
type lineWriter struct {
	stream string
	mu     *sync.Mutex
	out    *strings.Builder
	onLine OutputCallback
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	w.mu.Lock()
	w.out.WriteString(line)
	w.out.WriteString("\n")
	w.mu.Unlock()
	if w.onLine != nil {
		w.onLine(w.stream, line)
	}
}
