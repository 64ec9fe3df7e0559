package pipeline

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// summarize builds the human-readable outcome of a run
func summarize(run *domain.PipelineRun, reason string) string {
	var sb strings.Builder
	sb.WriteString(reason)

	if len(run.Tasks) > 0 {
		counts := run.TaskCounts()
		fmt.Fprintf(&sb, "\ntasks: %d/%d completed", counts[domain.TaskCompleted], len(run.Tasks))
		if n := counts[domain.TaskFailed]; n > 0 {
			fmt.Fprintf(&sb, ", %d failed", n)
		}
		if n := counts[domain.TaskSkipped]; n > 0 {
			fmt.Fprintf(&sb, ", %d skipped", n)
		}
	}
	if n := len(run.BuildAttempts); n > 0 {
		fmt.Fprintf(&sb, "\nbuild attempts: %d, healing attempts: %d", n, run.HealingAttempts)
	}

	usage := run.TotalUsage()
	if usage.Total() > 0 {
		fmt.Fprintf(&sb, "\nusage: %d tokens, $%.4f", usage.Total(), usage.CostUSD)
	}
	return sb.String()
}
