// Package healing asks an executor to repair a failing build from its diagnostics.
package healing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
)

// Request carries what a repair attempt needs to know
type Request struct {
	Requirement string
	WorkingDir  string
	Attempt     int
	Diagnostics []domain.BuildError
	BuildOutput string
	Tasks       []*domain.DecomposedTask
}

// PatchResult is the outcome of one repair attempt
type PatchResult struct {
	Output        string
	Success       bool
	Error         string
	CreatedFiles  []string
	ModifiedFiles []string
	// Patches are the file diffs found in the executor output
	Patches []*diff.FileDiff
	// Applied lists files a patch was written to
	Applied []string
	Usage   domain.Usage
}

// Controller runs repair attempts
type Controller struct {
	exec         executor.TaskExecutor
	applyPatches bool
	logger       *slog.Logger
}

// Option configures a Controller
type Option func(*Controller)

// WithPatchApply makes the controller write diffs from the executor output
// into the working directory
func WithPatchApply(apply bool) Option {
	return func(c *Controller) { c.applyPatches = apply }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a healing controller
func NewController(exec executor.TaskExecutor, opts ...Option) *Controller {
	c := &Controller{exec: exec, applyPatches: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Heal performs one repair attempt. The returned error is non-nil only when the
// attempt could not be made (cancelled context); executor failures are
// reported in the result.
func (c *Controller) Heal(ctx context.Context, req Request) (*PatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := c.exec.Execute(ctx, executor.Request{
		Prompt:     buildPrompt(req),
		WorkingDir: req.WorkingDir,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	out := executor.Outcome(res, err)

	result := &PatchResult{
		Output:        out.Output,
		Success:       out.Success,
		Error:         out.Error,
		CreatedFiles:  out.CreatedFiles,
		ModifiedFiles: out.ModifiedFiles,
		Usage:         domain.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens, CostUSD: out.CostUSD},
	}
	if !out.Success {
		c.logger.Warn("healing call failed", "attempt", req.Attempt, "error", out.Error)
		return result, nil
	}

	patches, err := ParsePatches(out.Output)
	if err != nil {
		c.logger.Warn("healing output contained an unreadable diff", "error", err)
	}
	result.Patches = patches

	for _, fd := range patches {
		name := fileName(fd)
		if name == "" {
			continue
		}
		if fd.OrigName == "/dev/null" {
			result.CreatedFiles = appendUnique(result.CreatedFiles, name)
		} else {
			result.ModifiedFiles = appendUnique(result.ModifiedFiles, name)
		}
	}

	if c.applyPatches && req.WorkingDir != "" {
		for _, fd := range patches {
			path, err := ApplyFileDiff(req.WorkingDir, fd)
			if err != nil {
				c.logger.Warn("patch not applied", "file", fileName(fd), "error", err)
				continue
			}
			if path != "" {
				result.Applied = append(result.Applied, path)
			}
		}
	}

	c.logger.Info("healing attempt finished",
		"attempt", req.Attempt,
		"patches", len(patches),
		"applied", len(result.Applied),
		"modified", len(result.ModifiedFiles))
	return result, nil
}

// ParsePatches finds unified diffs in fenced ```diff/```patch blocks, or a
// bare diff starting at the first "diff --git" or "--- " line
func ParsePatches(output string) ([]*diff.FileDiff, error) {
	var all []*diff.FileDiff
	for _, block := range diffBlocks(output) {
		fds, err := diff.NewMultiFileDiffReader(strings.NewReader(block)).ReadAllFiles()
		if err != nil {
			return all, fmt.Errorf("parsing diff: %w", err)
		}
		all = append(all, fds...)
	}
	return all, nil
}

func diffBlocks(output string) []string {
	lines := strings.Split(output, "\n")
	var blocks []string
	var current []string
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence && (trimmed == "```diff" || trimmed == "```patch") {
			inFence = true
			current = current[:0]
			continue
		}
		if inFence && trimmed == "```" {
			inFence = false
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, "\n")+"\n")
			}
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}
	if len(blocks) > 0 {
		return blocks
	}

	// bare diff
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git ") ||
			(strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")) {
			block := strings.Join(lines[i:], "\n")
			if !strings.HasSuffix(block, "\n") {
				block += "\n"
			}
			return []string{block}
		}
	}
	return nil
}

// fileName returns the target path of a file diff without a/ b/ prefixes
func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "b/")
	name = strings.TrimPrefix(name, "a/")
	return name
}

// ApplyFileDiff writes one file diff under root and returns the relative path
// written, or "" for deletions
func ApplyFileDiff(root string, fd *diff.FileDiff) (string, error) {
	name := fileName(fd)
	if name == "" {
		return "", fmt.Errorf("diff has no file name")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(absRoot, filepath.FromSlash(name))
	if rel, err := filepath.Rel(absRoot, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes working directory", name)
	}

	if fd.NewName == "/dev/null" {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return "", err
		}
		return "", nil
	}

	var original []byte
	if fd.OrigName != "/dev/null" {
		original, err = os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	updated, err := applyHunks(original, fd)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, updated, 0644); err != nil {
		return "", err
	}
	return name, nil
}

// applyHunks applies hunks in order, checking context and removed lines
func applyHunks(original []byte, fd *diff.FileDiff) ([]byte, error) {
	var origLines []string
	trailingNewline := true
	if len(original) > 0 {
		text := string(original)
		trailingNewline = strings.HasSuffix(text, "\n")
		origLines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}

	out := make([]string, 0, len(origLines))
	idx := 0
	for _, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < idx || start > len(origLines) {
			return nil, fmt.Errorf("hunk at line %d out of range", hunk.OrigStartLine)
		}
		out = append(out, origLines[idx:start]...)
		idx = start

		// go-diff drops the newline after a new-side line marked
		// "\ No newline at end of file"
		body := string(hunk.Body)
		noNewline := !strings.HasSuffix(body, "\n")
		var prev byte
		for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, `\`):
				if prev != '-' {
					noNewline = true
				}
				continue
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
				prev = '+'
			case strings.HasPrefix(line, "-"):
				if idx >= len(origLines) || origLines[idx] != line[1:] {
					return nil, fmt.Errorf("removed line %d does not match", idx+1)
				}
				idx++
				prev = '-'
			default:
				ctxLine := strings.TrimPrefix(line, " ")
				if idx >= len(origLines) || origLines[idx] != ctxLine {
					return nil, fmt.Errorf("context line %d does not match", idx+1)
				}
				out = append(out, origLines[idx])
				idx++
				prev = ' '
			}
		}
		// a hunk reaching the end of the file decides its final newline
		if idx == len(origLines) {
			trailingNewline = prev == '-' || !noNewline
		}
	}
	out = append(out, origLines[idx:]...)

	result := strings.Join(out, "\n")
	if trailingNewline && len(out) > 0 {
		result += "\n"
	}
	return []byte(result), nil
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
