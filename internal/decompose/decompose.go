// Package decompose turns a natural-language requirement into an ordered list
// of dependent tasks with a single executor call.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
)

// Result is the outcome of one decomposition. Tasks is empty when nothing
// usable came back; the reason is in Warnings.
type Result struct {
	Tasks    []*domain.DecomposedTask
	Summary  string
	Warnings []string
	Usage    domain.Usage
	Raw      string
}

// Decomposer asks an executor to split a requirement into tasks
type Decomposer struct {
	exec   executor.TaskExecutor
	logger *slog.Logger
}

// New creates a Decomposer
func New(exec executor.TaskExecutor, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decomposer{exec: exec, logger: logger}
}

// Decompose performs one executor call and parses the answer. It never fails:
// transport errors and unparseable answers yield an empty task list with warnings.
func (d *Decomposer) Decompose(ctx context.Context, requirement, workingDir string) *Result {
	prompt := fmt.Sprintf(decompositionPrompt, strings.TrimSpace(requirement))

	res, err := d.exec.Execute(ctx, executor.Request{Prompt: prompt, WorkingDir: workingDir})
	out := executor.Outcome(res, err)

	usage := domain.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens, CostUSD: out.CostUSD}
	if !out.Success {
		d.logger.Warn("decomposition call failed", "executor", d.exec.Name(), "error", out.Error)
		return &Result{
			Warnings: []string{"decomposition call failed: " + out.Error},
			Usage:    usage,
			Raw:      out.Output,
		}
	}

	parsed := ParseResponse(out.Output)
	parsed.Usage = usage
	d.logger.Info("requirement decomposed", "tasks", len(parsed.Tasks), "warnings", len(parsed.Warnings))
	return parsed
}

// rawTask is the loosely typed shape accepted from the executor
type rawTask struct {
	Title        string `json:"title" yaml:"title"`
	Description  string `json:"description" yaml:"description"`
	Department   string `json:"department" yaml:"department"`
	Type         string `json:"type" yaml:"type"`
	Priority     string `json:"priority" yaml:"priority"`
	DependsOn    []any  `json:"depends_on" yaml:"depends_on"`
	Dependencies []any  `json:"dependencies" yaml:"dependencies"`
}

type envelope struct {
	Summary string    `json:"summary" yaml:"summary"`
	Tasks   []rawTask `json:"tasks" yaml:"tasks"`
}

// ParseResponse extracts tasks from executor output. Accepted encodings, in
// order: a JSON object with summary and tasks, a bare JSON array, then YAML
// in either shape.
func ParseResponse(output string) *Result {
	text := stripFences(output)
	res := &Result{Raw: output}

	env, ok := decode(text)
	if !ok || len(env.Tasks) == 0 {
		preview := text
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("no tasks could be parsed from decomposition output (%d chars): %q", len(text), preview))
		return res
	}
	res.Summary = strings.TrimSpace(env.Summary)

	// first pass: IDs, enums
	tasks := make([]*domain.DecomposedTask, 0, len(env.Tasks))
	raws := make([]rawTask, 0, len(env.Tasks))
	// indexes refer to positions in the executor's list, including dropped entries
	positions := make([]string, len(env.Tasks))
	for i, rt := range env.Tasks {
		title := strings.TrimSpace(rt.Title)
		if title == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("task %d has no title, dropped", i))
			continue
		}

		deptName := rt.Department
		if deptName == "" {
			deptName = rt.Type
		}
		dept, known := domain.ParseDepartment(deptName)
		if !known && deptName != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("task %q: unknown department %q, using %s", title, deptName, dept))
		}
		prio, known := domain.ParsePriority(rt.Priority)
		if !known && rt.Priority != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("task %q: unknown priority %q, using %s", title, rt.Priority, prio))
		}

		id := uuid.New().String()
		positions[i] = id
		tasks = append(tasks, &domain.DecomposedTask{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(rt.Description),
			Department:  dept,
			Priority:    prio,
			Status:      domain.TaskPending,
			Order:       len(tasks),
		})
		raws = append(raws, rt)
	}

	// second pass: dependency references to IDs
	byTitle := make(map[string]string, len(tasks))
	for _, t := range tasks {
		byTitle[strings.ToLower(t.Title)] = t.ID
	}
	for i, rt := range raws {
		refs := rt.DependsOn
		if len(refs) == 0 {
			refs = rt.Dependencies
		}
		seen := make(map[string]bool)
		for _, ref := range refs {
			id, ok := resolveRef(ref, positions, byTitle)
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("task %q: dependency %v does not match any task, dropped", tasks[i].Title, ref))
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			tasks[i].Dependencies = append(tasks[i].Dependencies, id)
		}
	}

	res.Tasks = tasks
	return res
}

// decode tries each accepted encoding in turn
func decode(text string) (envelope, bool) {
	if obj := between(text, "{", "}"); obj != "" {
		var env envelope
		if err := json.Unmarshal([]byte(obj), &env); err == nil && len(env.Tasks) > 0 {
			return env, true
		}
	}
	if arr := between(text, "[", "]"); arr != "" {
		var list []rawTask
		if err := json.Unmarshal([]byte(arr), &list); err == nil && len(list) > 0 {
			return envelope{Tasks: list}, true
		}
	}

	var env envelope
	if err := yaml.Unmarshal([]byte(text), &env); err == nil && len(env.Tasks) > 0 {
		return env, true
	}
	var list []rawTask
	if err := yaml.Unmarshal([]byte(text), &list); err == nil && len(list) > 0 {
		return envelope{Tasks: list}, true
	}
	return envelope{}, false
}

// resolveRef maps a 0-based index (number or numeric string) or a title to a task ID
func resolveRef(ref any, positions []string, byTitle map[string]string) (string, bool) {
	index := -1
	switch v := ref.(type) {
	case float64:
		if v == float64(int(v)) {
			index = int(v)
		}
	case int:
		index = v
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			index = n
		} else if id, ok := byTitle[strings.ToLower(s)]; ok {
			return id, true
		}
	}
	if index < 0 || index >= len(positions) || positions[index] == "" {
		return "", false
	}
	return positions[index], true
}

// between returns the substring from the first open to the last close, inclusive
func between(s, opening, closing string) string {
	start := strings.Index(s, opening)
	end := strings.LastIndex(s, closing)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// stripFences removes markdown code fences around the payload
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "```") {
		return s
	}
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
