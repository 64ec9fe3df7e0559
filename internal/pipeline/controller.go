// Package pipeline drives a run through decomposition, task execution, build
// and healing. Each run is owned by one Controller goroutine; everything else
// talks to it through commands.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/build"
	"github.com/hochfrequenz/autodev-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/autodev-orchestrator/internal/decompose"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
	"github.com/hochfrequenz/autodev-orchestrator/internal/healing"
	"github.com/hochfrequenz/autodev-orchestrator/internal/metrics"
	"github.com/hochfrequenz/autodev-orchestrator/internal/notify"
)

// Store checkpoints runs
type Store interface {
	SaveRun(run *domain.PipelineRun) error
}

// Deps are the collaborators a controller works with. Executor, Builder and
// Store are required; the rest default to no-ops or are derived from Executor.
type Deps struct {
	Executor    executor.TaskExecutor
	Builder     build.Runner
	Store       Store
	Decomposer  *decompose.Decomposer
	Healer      *healing.Controller
	Coordinator *coordinator.Coordinator
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Decomposer == nil {
		d.Decomposer = decompose.New(d.Executor, d.Logger)
	}
	if d.Healer == nil {
		d.Healer = healing.NewController(d.Executor, healing.WithLogger(d.Logger))
	}
	if d.Coordinator == nil {
		sessions, _ := d.Store.(coordinator.SessionStore)
		d.Coordinator = coordinator.New(d.Executor, coordinator.Options{
			Store:   sessions,
			Events:  d.Events,
			Metrics: d.Metrics,
			Logger:  d.Logger,
		})
	}
	return d
}

// ErrControllerDone is returned by commands sent after the run stopped
var ErrControllerDone = errors.New("run controller has stopped")

// ErrNoSession is returned by agent commands while no sub-agent session runs
var ErrNoSession = errors.New("no sub-agent session is running")

// Controller owns one run while it executes
type Controller struct {
	run  *domain.PipelineRun
	deps Deps

	cmds chan func()
	done chan struct{}

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool

	// session is the live sub-agent session of a parallel execution phase
	session *coordinator.Session

	phaseStarted time.Time
	logger       *slog.Logger
}

// NewController prepares a controller for an idle or resumable run. The run
// must not be touched by the caller afterwards.
func NewController(run *domain.PipelineRun, deps Deps) *Controller {
	deps = deps.withDefaults()
	return &Controller{
		run:    run,
		deps:   deps,
		cmds:   make(chan func()),
		done:   make(chan struct{}),
		logger: deps.Logger.With("run", run.ID, "project", run.ProjectID),
	}
}

// ID returns the run ID
func (c *Controller) ID() string {
	return c.run.ID
}

// Done is closed when Run returns
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run drives the run until it is terminal or paused and returns the final
// state. Cancelling ctx pauses the run so it can be resumed later.
func (c *Controller) Run(ctx context.Context) *domain.PipelineRun {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)
	defer c.cancel()

	if !c.begin() {
		return c.run.Clone()
	}

	for c.run.State.IsActive() {
		if c.interrupted() {
			break
		}
		switch c.run.State {
		case domain.RunDecomposing:
			c.decompose()
		case domain.RunExecuting:
			c.execute()
		case domain.RunBuilding:
			c.build()
		case domain.RunHealing:
			c.heal()
		}
	}

	c.finished()
	return c.run.Clone()
}

// Snapshot returns a deep copy of the run
func (c *Controller) Snapshot() *domain.PipelineRun {
	var snap *domain.PipelineRun
	if err := c.do(func() { snap = c.run.Clone() }); err != nil {
		return c.run.Clone()
	}
	return snap
}

// Cancel asks the run to stop; it becomes cancelled at the next checkpoint.
// In-flight executor calls and sub-agents are cancelled.
func (c *Controller) Cancel() error {
	return c.do(func() {
		if c.cancelRequested {
			return
		}
		c.cancelRequested = true
		c.logger.Info("cancel requested")
		c.cancel()
	})
}

// activeSession returns the running sub-agent session. Agent commands are sent
// to the session directly so the controller keeps draining agent updates.
func (c *Controller) activeSession() (*coordinator.Session, error) {
	var s *coordinator.Session
	if err := c.do(func() { s = c.session }); err != nil || s == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNoSession, c.run.ID)
	}
	return s, nil
}

// PauseAgent stops one sub-agent; its task waits until the agent is resumed
func (c *Controller) PauseAgent(agentID string) error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}
	return s.Pause(agentID)
}

// ResumeAgent restarts a paused sub-agent with optional extra context
func (c *Controller) ResumeAgent(agentID, extraContext string) error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}
	return s.Resume(agentID, extraContext)
}

// PauseAgents pauses every running or idle sub-agent
func (c *Controller) PauseAgents() (int, error) {
	s, err := c.activeSession()
	if err != nil {
		return 0, err
	}
	return s.PauseAll()
}

// ResumeAgents resumes every paused sub-agent
func (c *Controller) ResumeAgents(extraContext string) (int, error) {
	s, err := c.activeSession()
	if err != nil {
		return 0, err
	}
	return s.ResumeAll(extraContext)
}

// SessionSnapshot returns a copy of the live sub-agent session
func (c *Controller) SessionSnapshot() (*domain.OrchestratorSession, error) {
	s, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// do runs fn on the controller goroutine
func (c *Controller) do(fn func()) error {
	reply := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(reply) }:
		<-reply
		return nil
	case <-c.done:
		return ErrControllerDone
	}
}

// await runs fn on a helper goroutine while the controller keeps serving commands
func await[T any](c *Controller, fn func(ctx context.Context) T) T {
	out := make(chan T, 1)
	go func() { out <- fn(c.ctx) }()
	for {
		select {
		case v := <-out:
			return v
		case cmd := <-c.cmds:
			cmd()
		}
	}
}

// begin moves an idle run into decomposition or a paused run back into the
// phase it has to redo
func (c *Controller) begin() bool {
	switch c.run.State {
	case domain.RunIdle:
		c.run.Phase = domain.PhaseDecomposition
		c.deps.Metrics.RunStarted()
		c.startPhase()
		return c.transition(domain.RunDecomposing, domain.LevelInfo, "run started")
	case domain.RunPaused:
		c.deps.Metrics.RunStarted()
		return c.resume()
	default:
		c.logger.Error("controller started on a run that cannot run", "state", c.run.State)
		return false
	}
}

func (c *Controller) resume() bool {
	run := c.run
	if !run.CanResume() {
		c.logger.Error("run is not resumable", "state", run.State)
		return false
	}

	phase := run.ResumePhase()
	run.Phase = phase
	c.startPhase()

	switch phase {
	case domain.PhaseDecomposition:
		run.Tasks = nil
		run.CurrentTaskIndex = 0
		return c.transition(domain.RunDecomposing, domain.LevelInfo, "resuming at %s", phase)
	case domain.PhaseDevelopment:
		reset := 0
		for _, t := range run.Tasks {
			if t.Status != domain.TaskCompleted && t.Status != domain.TaskPending {
				t.Reset()
				reset++
			}
		}
		return c.transition(domain.RunExecuting, domain.LevelInfo, "resuming at %s, %d tasks reset to pending", phase, reset)
	case domain.PhaseBuild:
		return c.transition(domain.RunBuilding, domain.LevelInfo, "resuming at %s", phase)
	default:
		if run.CanHeal() {
			return c.transition(domain.RunHealing, domain.LevelInfo, "resuming at %s", phase)
		}
		run.Phase = domain.PhaseBuild
		return c.transition(domain.RunBuilding, domain.LevelInfo, "resuming with a fresh build")
	}
}

// interrupted handles a cancel command or a cancelled context at a checkpoint
func (c *Controller) interrupted() bool {
	switch {
	case c.cancelRequested:
		c.run.Summary = summarize(c.run, "cancelled by user")
		c.transition(domain.RunCancelled, domain.LevelWarn, "run cancelled")
		return true
	case c.ctx.Err() != nil:
		c.transition(domain.RunPaused, domain.LevelWarn, "run interrupted, paused for resume")
		return true
	}
	return false
}

func (c *Controller) decompose() {
	res := await(c, func(ctx context.Context) *decompose.Result {
		return c.deps.Decomposer.Decompose(ctx, c.run.Requirement, c.run.WorkingDir)
	})
	if c.interrupted() {
		return
	}

	c.run.OverheadUsage.Add(res.Usage)
	c.deps.Metrics.Usage(res.Usage)
	for _, w := range res.Warnings {
		c.run.Warnings = append(c.run.Warnings, w)
		c.log(domain.LevelWarn, "decomposition: %s", w)
	}

	if len(res.Tasks) == 0 {
		c.fail(domain.ErrDecompositionFailure, "decomposition produced no tasks; retry with a more specific requirement")
		return
	}

	c.run.Tasks = res.Tasks
	if err := validate(res.Tasks); err != nil {
		c.fail(err, fmt.Sprintf("decomposed tasks are not executable: %v", err))
		return
	}

	c.log(domain.LevelInfo, "decomposed into %d tasks", len(res.Tasks))
	c.completePhase(domain.PhaseDecomposition)
	c.run.Phase = domain.PhaseDevelopment
	c.transition(domain.RunExecuting, domain.LevelInfo, "executing %d tasks in %s mode", len(res.Tasks), c.run.Mode)
}

// fail ends the run in the failed state
func (c *Controller) fail(cause error, reason string) {
	c.run.Summary = summarize(c.run, reason)
	c.logger.Warn("run failed", "error", cause)
	c.transition(domain.RunFailed, domain.LevelError, "%s", reason)
}

func (c *Controller) startPhase() {
	c.phaseStarted = time.Now()
}

func (c *Controller) completePhase(p domain.Phase) {
	c.run.MarkPhaseCompleted(p)
	if !c.phaseStarted.IsZero() {
		c.deps.Metrics.ObservePhase(p, time.Since(c.phaseStarted))
	}
	c.startPhase()
}

// transition changes state, logs, publishes and checkpoints
func (c *Controller) transition(to domain.RunState, level domain.LogLevel, format string, args ...interface{}) bool {
	from := c.run.State
	if err := c.run.Transition(to); err != nil {
		c.logger.Error("state transition rejected", "from", from, "to", to, "error", err)
		c.log(domain.LevelError, "state transition rejected: %v", err)
		c.checkpoint()
		return false
	}
	c.log(level, format, args...)
	c.deps.Events.Publish(events.Event{
		Kind:    events.KindRunState,
		RunID:   c.run.ID,
		Phase:   c.run.Phase,
		State:   string(to),
		Message: fmt.Sprintf("%s -> %s", from, to),
	})
	c.checkpoint()
	return true
}

// finished records metrics and notifications once the loop stopped
func (c *Controller) finished() {
	run := c.run
	if !run.IsTerminal() && run.State != domain.RunPaused {
		return
	}
	c.deps.Metrics.RunFinished(run.State)
	usage := run.TotalUsage()
	c.logger.Info("run stopped",
		"state", run.State,
		"tokens", usage.Total(),
		"cost_usd", usage.CostUSD,
		"build_attempts", len(run.BuildAttempts),
		"healing_attempts", run.HealingAttempts)
	if err := c.deps.Notifier.Send(notify.ForRun(run)); err != nil {
		c.logger.Warn("sending notification", "error", err)
	}
}

// log appends to the run log and publishes it
func (c *Controller) log(level domain.LogLevel, format string, args ...interface{}) {
	c.appendLog(level, "", "", fmt.Sprintf(format, args...))
}

func (c *Controller) logTask(t *domain.DecomposedTask, level domain.LogLevel, format string, args ...interface{}) {
	c.appendLog(level, t.ID, "", fmt.Sprintf(format, args...))
}

// logAgent logs a task transition driven by a sub-agent
func (c *Controller) logAgent(t *domain.DecomposedTask, agentID string, level domain.LogLevel, format string, args ...interface{}) {
	c.appendLog(level, t.ID, agentID, fmt.Sprintf(format, args...))
}

func (c *Controller) appendLog(level domain.LogLevel, taskID, agentID, msg string) {
	entry := c.run.AddLog(level, "%s", msg)
	last := &c.run.Logs[len(c.run.Logs)-1]
	last.TaskID = taskID
	last.AgentID = agentID
	c.deps.Events.Publish(events.Event{
		Kind:    events.KindRunLog,
		RunID:   c.run.ID,
		TaskID:  taskID,
		AgentID: agentID,
		Level:   level,
		Phase:   entry.Phase,
		Message: entry.Message,
	})
	c.logger.Log(context.Background(), slogLevel(level), entry.Message, "phase", entry.Phase, "task", taskID)
}

// checkpoint persists the run; persistence errors are logged, never fatal
func (c *Controller) checkpoint() {
	now := time.Now()
	c.run.LastSavedAt = &now
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.SaveRun(c.run); err != nil {
		c.logger.Warn("checkpoint failed", "error", err)
	}
}

func slogLevel(l domain.LogLevel) slog.Level {
	switch l {
	case domain.LevelDebug:
		return slog.LevelDebug
	case domain.LevelWarn:
		return slog.LevelWarn
	case domain.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
