package executor

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

const taskPromptTemplate = `You are implementing: %s

Department: %s
Priority: %s

Requirement:
%s

Task:
%s

Dependencies completed: %s

Instructions:
1. Implement the task in the current working directory
2. Keep changes limited to what the task asks for
3. Make sure the project still builds
4. End with a short summary of the changes you made

Do not ask for clarification. Make reasonable decisions based on the task content.
`

// BuildTaskPrompt constructs the prompt for one decomposed task
func BuildTaskPrompt(requirement string, task *domain.DecomposedTask, completedDeps []*domain.DecomposedTask) string {
	depsStr := "None"
	if len(completedDeps) > 0 {
		names := make([]string, 0, len(completedDeps))
		for _, d := range completedDeps {
			names = append(names, d.Title)
		}
		depsStr = strings.Join(names, ", ")
	}

	description := task.Description
	if description == "" {
		description = task.Title
	}

	return fmt.Sprintf(taskPromptTemplate,
		task.Title,
		task.Department,
		task.Priority,
		strings.TrimSpace(requirement),
		description,
		depsStr,
	)
}

// DependencyContext summarizes what completed dependencies produced, for Request.Context
func DependencyContext(completedDeps []*domain.DecomposedTask) string {
	var sb strings.Builder
	for _, d := range completedDeps {
		fmt.Fprintf(&sb, "### %s\n", d.Title)
		if files := append(append([]string{}, d.CreatedFiles...), d.ModifiedFiles...); len(files) > 0 {
			fmt.Fprintf(&sb, "Files: %s\n", strings.Join(files, ", "))
		}
		if out := Summarize(d.Response, 800); out != "" {
			sb.WriteString(out)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Summarize keeps the tail of long output, where agents put their summaries
func Summarize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
