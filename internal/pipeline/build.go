package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/healing"
)

// build runs the build phase (phase 3)
func (c *Controller) build() {
	c.runBuild(false)
}

// heal runs one repair attempt and rebuilds (phase 4)
func (c *Controller) heal() {
	last := c.run.LastBuild()
	if last == nil {
		c.run.Phase = domain.PhaseBuild
		c.runBuild(false)
		return
	}

	attempt := c.run.HealingAttempts + 1
	c.log(domain.LevelInfo, "healing attempt %d/%d with %d diagnostics", attempt, c.run.MaxHealingAttempts, len(last.Errors))

	req := healing.Request{
		Requirement: c.run.Requirement,
		WorkingDir:  c.run.WorkingDir,
		Attempt:     attempt,
		Diagnostics: last.Errors,
		BuildOutput: last.Output,
		Tasks:       c.run.Tasks,
	}
	type outcome struct {
		res *healing.PatchResult
		err error
	}
	out := await(c, func(ctx context.Context) outcome {
		res, err := c.deps.Healer.Heal(ctx, req)
		return outcome{res, err}
	})
	if out.res != nil {
		c.run.OverheadUsage.Add(out.res.Usage)
		c.deps.Metrics.Usage(out.res.Usage)
	}
	if c.interrupted() {
		return
	}
	if out.err != nil {
		c.fail(out.err, fmt.Sprintf("healing attempt %d could not run: %v", attempt, out.err))
		return
	}

	c.run.HealingAttempts = attempt
	c.deps.Metrics.HealingAttempt()
	if out.res.Success {
		files := appendUnique(append([]string(nil), out.res.ModifiedFiles...), out.res.CreatedFiles...)
		c.log(domain.LevelInfo, "healing attempt %d changed %d files: %s", attempt, len(files), strings.Join(files, ", "))
	} else {
		c.log(domain.LevelWarn, "healing attempt %d failed: %s", attempt, out.res.Error)
	}
	c.checkpoint()

	c.runBuild(true)
}

// runBuild invokes the build runner, records the attempt and picks the next state
func (c *Controller) runBuild(afterHealing bool) {
	c.log(domain.LevelInfo, "building")
	attempt := await(c, func(ctx context.Context) domain.BuildAttempt {
		return c.deps.Builder.Run(ctx, c.run.WorkingDir)
	})
	if c.interrupted() {
		return
	}

	attempt.IsHealingAttempt = afterHealing
	c.run.AppendBuild(attempt)
	c.deps.Metrics.BuildAttempt(attempt)
	c.deps.Events.Publish(events.Event{
		Kind:    events.KindBuildAttempt,
		RunID:   c.run.ID,
		Phase:   c.run.Phase,
		State:   buildState(attempt),
		Message: fmt.Sprintf("build attempt %d: exit code %d, %d errors", len(c.run.BuildAttempts), attempt.ExitCode, attempt.ErrorCount()),
	})

	if attempt.Success {
		c.log(domain.LevelInfo, "build attempt %d succeeded", len(c.run.BuildAttempts))
		c.completePhase(domain.PhaseBuild)
		if c.run.HealingAttempts > 0 {
			c.run.MarkPhaseCompleted(domain.PhaseHealing)
		}
		c.run.Summary = summarize(c.run, "build passed")
		c.transition(domain.RunCompleted, domain.LevelInfo, "run completed")
		return
	}

	c.log(domain.LevelError, "build attempt %d failed with exit code %d, %d errors",
		len(c.run.BuildAttempts), attempt.ExitCode, attempt.ErrorCount())

	if c.run.CanHeal() {
		c.checkpoint()
		if c.run.State != domain.RunHealing {
			c.run.Phase = domain.PhaseHealing
			c.transition(domain.RunHealing, domain.LevelInfo, "starting automatic repair")
		}
		return
	}

	if c.run.HealingAttempts > 0 {
		c.fail(domain.ErrHealingExhausted, fmt.Sprintf("build still failing after %d healing attempts%s",
			c.run.HealingAttempts, diagnosticsSummary(attempt)))
		return
	}
	c.fail(domain.ErrBuildFailure, "build failed"+diagnosticsSummary(attempt))
}

func buildState(b domain.BuildAttempt) string {
	if b.Success {
		return "success"
	}
	return "failure"
}

const maxSummaryDiagnostics = 5

func diagnosticsSummary(b domain.BuildAttempt) string {
	if len(b.Errors) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(":")
	for i, e := range b.Errors {
		if i == maxSummaryDiagnostics {
			fmt.Fprintf(&sb, "\n  ... and %d more", len(b.Errors)-maxSummaryDiagnostics)
			break
		}
		sb.WriteString("\n  ")
		sb.WriteString(e.String())
	}
	return sb.String()
}
