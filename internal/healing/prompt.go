package healing

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

const healPromptTemplate = `The build of this project is failing. Fix it.

Requirement:
%s

Work completed so far:
%s

Build diagnostics (attempt %d):
%s

Build output (tail):
%s

Instructions:
1. Fix the root cause of every error listed above
2. Do not remove features to make the build pass
3. Keep changes minimal
4. Either edit the files directly, or answer with unified diffs in a ` + "```diff" + ` block

Do not ask for clarification.
`

const maxOutputTail = 60

// buildPrompt assembles the repair prompt
func buildPrompt(req Request) string {
	var work strings.Builder
	for _, t := range req.Tasks {
		if t.Status != domain.TaskCompleted {
			continue
		}
		fmt.Fprintf(&work, "- %s", t.Title)
		if files := append(append([]string{}, t.CreatedFiles...), t.ModifiedFiles...); len(files) > 0 {
			fmt.Fprintf(&work, " (%s)", strings.Join(files, ", "))
		}
		work.WriteString("\n")
	}
	if work.Len() == 0 {
		work.WriteString("None\n")
	}

	var diags strings.Builder
	for _, d := range req.Diagnostics {
		diags.WriteString("- ")
		diags.WriteString(d.String())
		diags.WriteString("\n")
	}
	if diags.Len() == 0 {
		diags.WriteString("No structured diagnostics; see output.\n")
	}

	lines := strings.Split(strings.TrimSpace(req.BuildOutput), "\n")
	if len(lines) > maxOutputTail {
		lines = lines[len(lines)-maxOutputTail:]
	}

	return fmt.Sprintf(healPromptTemplate,
		strings.TrimSpace(req.Requirement),
		strings.TrimSpace(work.String()),
		req.Attempt,
		strings.TrimSpace(diags.String()),
		strings.Join(lines, "\n"),
	)
}
