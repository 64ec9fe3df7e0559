package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
	"github.com/hochfrequenz/autodev-orchestrator/internal/scheduler"
)

func validate(tasks []*domain.DecomposedTask) error {
	return scheduler.Validate(tasks)
}

// execute runs the development phase until every task is terminal
func (c *Controller) execute() {
	if c.run.Mode == domain.ModeParallel {
		c.executeParallel()
	} else {
		c.executeSequential()
	}
	if !c.run.State.IsActive() || c.interrupted() {
		return
	}
	c.finishExecution()
}

func (c *Controller) executeSequential() {
	for {
		if c.cancelRequested || c.ctx.Err() != nil {
			return
		}
		c.skipUnreachable()

		ready := scheduler.Executable(c.run.Tasks, c.run.CompletedTaskIDs())
		if len(ready) == 0 {
			return
		}
		c.runTask(ready[0])
	}
}

func (c *Controller) runTask(t *domain.DecomposedTask) {
	for i, task := range c.run.Tasks {
		if task.ID == t.ID {
			c.run.CurrentTaskIndex = i
			break
		}
	}

	deps := c.completedDeps(t)
	now := time.Now()
	t.Status = domain.TaskRunning
	t.StartedAt = &now
	t.AssignedExecutor = c.deps.Executor.Name()
	t.Prompt = executor.BuildTaskPrompt(c.run.Requirement, t, deps)
	c.logTask(t, domain.LevelInfo, "task started: %s", t.Title)
	c.taskChanged(t)
	c.checkpoint()

	req := executor.Request{
		Prompt:     t.Prompt,
		Context:    executor.DependencyContext(deps),
		WorkingDir: c.run.WorkingDir,
	}
	out := await(c, func(ctx context.Context) *executor.Result {
		res, err := c.deps.Executor.Execute(ctx, req)
		return executor.Outcome(res, err)
	})

	usage := domain.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens, CostUSD: out.CostUSD}
	t.InputTokens += usage.InputTokens
	t.OutputTokens += usage.OutputTokens
	t.CostUSD += usage.CostUSD
	c.deps.Metrics.Usage(usage)

	if c.cancelRequested || c.ctx.Err() != nil {
		// the call was interrupted; run it again on resume
		t.Reset()
		c.taskChanged(t)
		return
	}

	t.Response = out.Output
	t.CreatedFiles = appendUnique(t.CreatedFiles, out.CreatedFiles...)
	t.ModifiedFiles = appendUnique(t.ModifiedFiles, out.ModifiedFiles...)
	done := time.Now()
	t.CompletedAt = &done
	if out.Success {
		t.Status = domain.TaskCompleted
		c.logTask(t, domain.LevelInfo, "task completed: %s (%d files)", t.Title, len(t.CreatedFiles)+len(t.ModifiedFiles))
	} else {
		t.Status = domain.TaskFailed
		t.Error = out.Error
		c.logTask(t, domain.LevelError, "task failed: %s: %s", t.Title, out.Error)
	}
	c.deps.Metrics.TaskFinished(t.Status)
	c.taskChanged(t)
	c.checkpoint()
}

// completedDeps returns the finished dependencies of t
func (c *Controller) completedDeps(t *domain.DecomposedTask) []*domain.DecomposedTask {
	var deps []*domain.DecomposedTask
	for _, id := range t.Dependencies {
		if d := c.run.Task(id); d != nil && d.Status == domain.TaskCompleted {
			deps = append(deps, d)
		}
	}
	return deps
}

// skipUnreachable marks pending tasks whose dependencies failed or were skipped
func (c *Controller) skipUnreachable() {
	blocked := func(id string) bool {
		t := c.run.Task(id)
		return t != nil && (t.Status == domain.TaskFailed || t.Status == domain.TaskSkipped)
	}
	ids := scheduler.Unreachable(c.run.Tasks, blocked)
	for _, id := range ids {
		t := c.run.Task(id)
		t.Status = domain.TaskSkipped
		t.Error = "dependency failed"
		c.logTask(t, domain.LevelWarn, "task skipped, a dependency did not complete: %s", t.Title)
		c.deps.Metrics.TaskFinished(t.Status)
		c.taskChanged(t)
	}
	if len(ids) > 0 {
		c.checkpoint()
	}
}

func (c *Controller) executeParallel() {
	var pending, completed []*domain.DecomposedTask
	base := make(map[string]domain.Usage)
	for _, t := range c.run.Tasks {
		switch t.Status {
		case domain.TaskPending:
			pending = append(pending, t.Clone())
			base[t.ID] = domain.Usage{InputTokens: t.InputTokens, OutputTokens: t.OutputTokens, CostUSD: t.CostUSD}
		case domain.TaskCompleted:
			completed = append(completed, t.Clone())
		}
	}
	if len(pending) == 0 {
		return
	}

	updates := make(chan *domain.SubAgent, 256)
	session, err := c.deps.Coordinator.Start(c.ctx, coordinator.Input{
		RunID:         c.run.ID,
		Requirement:   c.run.Requirement,
		WorkingDir:    c.run.WorkingDir,
		Tasks:         pending,
		Completed:     completed,
		OnAgentUpdate: func(a *domain.SubAgent) { updates <- a },
	})
	if err != nil {
		c.fail(err, fmt.Sprintf("could not start sub-agents: %v", err))
		return
	}
	c.run.SessionID = session.ID()
	c.session = session
	defer func() { c.session = nil }()
	c.log(domain.LevelInfo, "sub-agent session %s started with %d agents", session.ID(), len(pending))
	c.checkpoint()

	for running := true; running; {
		select {
		case a := <-updates:
			c.applyAgent(a, base)
		case <-session.Done():
			running = false
		case cmd := <-c.cmds:
			cmd()
		}
	}
	for drained := false; !drained; {
		select {
		case a := <-updates:
			c.applyAgent(a, base)
		default:
			drained = true
		}
	}

	final := session.Snapshot()
	for _, a := range final.Agents {
		c.applyAgent(a, base)
	}
	c.log(domain.LevelInfo, "sub-agent session %s: %d completed, %d failed, %d cancelled, %d tokens",
		final.Status, final.SuccessCount(), final.FailureCount(), final.CancelledCount(), final.TotalTokens())

	if c.cancelRequested || c.ctx.Err() != nil {
		for _, t := range c.run.Tasks {
			if t.Status == domain.TaskRunning {
				t.Reset()
			}
		}
	}
	c.checkpoint()
}

// applyAgent maps a sub-agent's state onto its source task
func (c *Controller) applyAgent(a *domain.SubAgent, base map[string]domain.Usage) {
	t := c.run.Task(a.SourceTaskID)
	if t == nil {
		return
	}

	b := base[t.ID]
	delta := domain.Usage{
		InputTokens:  b.InputTokens + a.InputTokens - t.InputTokens,
		OutputTokens: b.OutputTokens + a.OutputTokens - t.OutputTokens,
		CostUSD:      b.CostUSD + a.CostUSD - t.CostUSD,
	}
	t.InputTokens += delta.InputTokens
	t.OutputTokens += delta.OutputTokens
	t.CostUSD += delta.CostUSD
	c.deps.Metrics.Usage(delta)

	prev := t.Status
	next := prev
	switch a.Status {
	case domain.AgentRunning:
		next = domain.TaskRunning
		t.StartedAt = a.StartedAt
		t.AssignedExecutor = fmt.Sprintf("%s (agent %s)", c.deps.Executor.Name(), a.ID)
	case domain.AgentCompleted:
		next = domain.TaskCompleted
		t.CompletedAt = a.CompletedAt
		if a.Result != nil {
			t.Response = a.Result.Output
			t.CreatedFiles = appendUnique(t.CreatedFiles, a.Result.CreatedFiles...)
			t.ModifiedFiles = appendUnique(t.ModifiedFiles, a.Result.ModifiedFiles...)
		}
	case domain.AgentFailed:
		next = domain.TaskFailed
		t.Error = a.Error
		t.CompletedAt = a.CompletedAt
	case domain.AgentCancelled:
		if c.cancelRequested || c.ctx.Err() != nil {
			next = domain.TaskPending
		} else {
			next = domain.TaskSkipped
			t.Error = a.Error
			t.CompletedAt = a.CompletedAt
		}
	case domain.AgentIdle, domain.AgentPaused:
		next = domain.TaskPending
	}
	if next == prev {
		return
	}

	t.Status = next
	switch next {
	case domain.TaskCompleted:
		c.logAgent(t, a.ID, domain.LevelInfo, "task completed: %s", t.Title)
	case domain.TaskFailed:
		c.logAgent(t, a.ID, domain.LevelError, "task failed: %s: %s", t.Title, t.Error)
	case domain.TaskSkipped:
		c.logAgent(t, a.ID, domain.LevelWarn, "task skipped: %s: %s", t.Title, t.Error)
	case domain.TaskRunning:
		c.logAgent(t, a.ID, domain.LevelInfo, "task started: %s", t.Title)
	case domain.TaskPending:
		c.logAgent(t, a.ID, domain.LevelInfo, "task back to pending, agent %s", a.Status)
	}
	if next.IsTerminal() {
		c.deps.Metrics.TaskFinished(next)
	}
	c.taskChanged(t)
	c.checkpoint()
}

// finishExecution decides whether the run can move on to the build
func (c *Controller) finishExecution() {
	c.skipUnreachable()

	var stuck []string
	for _, t := range c.run.Tasks {
		if !t.Status.IsTerminal() {
			stuck = append(stuck, t.Title)
		}
	}
	if len(stuck) > 0 {
		c.fail(domain.ErrGraphDeadlock, fmt.Sprintf("%v: %d tasks can never run: %v", domain.ErrGraphDeadlock, len(stuck), stuck))
		return
	}

	counts := c.run.TaskCounts()
	if counts[domain.TaskCompleted] == 0 {
		c.fail(domain.ErrTaskExecutionFailure, "no task completed")
		return
	}

	c.completePhase(domain.PhaseDevelopment)
	c.run.Phase = domain.PhaseBuild
	c.transition(domain.RunBuilding, domain.LevelInfo, "development finished: %d completed, %d failed, %d skipped",
		counts[domain.TaskCompleted], counts[domain.TaskFailed], counts[domain.TaskSkipped])
}

func (c *Controller) taskChanged(t *domain.DecomposedTask) {
	c.deps.Events.Publish(events.Event{
		Kind:    events.KindTaskUpdate,
		RunID:   c.run.ID,
		TaskID:  t.ID,
		Phase:   c.run.Phase,
		State:   string(t.Status),
		Message: t.Title,
	})
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, x := range list {
			if x == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
