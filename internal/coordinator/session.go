package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
	"github.com/hochfrequenz/autodev-orchestrator/internal/scheduler"
)

// call is an in-flight executor call. token tells a stale result (from a
// paused or cancelled call) apart from the current one.
type call struct {
	cancel context.CancelFunc
	token  uint64
}

type callResult struct {
	agentID string
	token   uint64
	res     *executor.Result
	err     error
}

type progressUpdate struct {
	agentID  string
	token    uint64
	progress float64
	action   string
}

// Session is a running set of sub-agents. All state is owned by the session
// goroutine; the exported methods send it commands.
type Session struct {
	state       *domain.OrchestratorSession
	exec        executor.TaskExecutor
	opts        Options
	requirement string
	workingDir  string

	sources  map[string]*domain.DecomposedTask
	onUpdate func(*domain.SubAgent)
	preDeps  map[string][]*domain.DecomposedTask
	extra    map[string]string
	inflight map[string]*call

	pool      *Pool
	limiter   *rate.Limiter
	wake      *time.Timer
	nextToken uint64
	cancelled bool

	cmds     chan func()
	results  chan callResult
	progress chan progressUpdate
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.state.ID
}

// Done is closed once the session is terminal
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.cancel()
	defer func() {
		if s.wake != nil {
			s.wake.Stop()
		}
	}()

	s.pool.OnChange(func(running int) {
		s.logger.Debug("agent slots changed", "running", running, "size", s.pool.Size())
	})

	s.schedule()
	for !s.state.Status.IsTerminal() {
		var wakeC <-chan time.Time
		if s.wake != nil {
			wakeC = s.wake.C
		}

		select {
		case <-s.ctx.Done():
			s.cancelAgents("session context cancelled")
		case fn := <-s.cmds:
			fn()
		case r := <-s.results:
			s.handleResult(r)
		case p := <-s.progress:
			s.handleProgress(p)
		case <-wakeC:
			s.wake = nil
		}
		s.schedule()
	}
}

// do runs fn on the session goroutine and returns its error
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
		return <-reply
	case <-s.done:
		return ErrSessionFinished
	}
}

// schedule cancels agents that can no longer run, dispatches executable agents
// into free slots and finishes the session when nothing is left
func (s *Session) schedule() {
	if s.state.Status.IsTerminal() {
		return
	}
	s.cancelUnreachable()

	completed := make(map[string]bool)
	for _, a := range s.state.Agents {
		if a.Status == domain.AgentCompleted {
			completed[a.ID] = true
		}
	}

	ready := scheduler.Executable(s.state.Agents, completed)
	if size := s.pool.Size(); size > 0 {
		free := size - s.pool.Running()
		if free <= 0 {
			ready = nil
		} else {
			ready = scheduler.Limit(ready, free)
		}
	}
	for _, a := range ready {
		if !s.pool.TryAcquire() {
			break
		}
		if s.limiter != nil {
			r := s.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				s.pool.Release()
				if s.wake == nil {
					s.wake = time.NewTimer(d)
				}
				break
			}
		}
		s.dispatch(a)
	}

	for _, a := range s.state.Agents {
		if !a.Status.IsTerminal() {
			return
		}
	}
	s.finish()
}

func (s *Session) cancelUnreachable() {
	blocked := func(id string) bool {
		a := s.state.Agent(id)
		return a != nil && (a.Status == domain.AgentFailed || a.Status == domain.AgentCancelled)
	}
	for _, id := range scheduler.Unreachable(s.state.Agents, blocked) {
		a := s.state.Agent(id)
		a.Cancel("dependency failed")
		s.logger.Info("agent cancelled, dependency failed", "agent", a.ID, "name", a.Name)
		s.agentChanged(a, true)
	}
}

func (s *Session) dispatch(a *domain.SubAgent) {
	now := time.Now()
	a.Status = domain.AgentRunning
	a.Attempts++
	a.Error = ""
	if a.StartedAt == nil {
		a.StartedAt = &now
	}

	s.nextToken++
	token := s.nextToken
	callCtx, cancel := context.WithCancel(s.ctx)
	s.inflight[a.ID] = &call{cancel: cancel, token: token}

	deps := s.completedDeps(a)
	req := executor.Request{
		Prompt:     s.prompt(a, deps),
		Context:    executor.DependencyContext(deps),
		WorkingDir: s.workingDir,
		OnProgress: func(p float64, action string) {
			select {
			case s.progress <- progressUpdate{agentID: a.ID, token: token, progress: p, action: action}:
			case <-callCtx.Done():
			case <-s.done:
			}
		},
	}
	agentID := a.ID

	go func() {
		res, err := s.exec.Execute(callCtx, req)
		select {
		case s.results <- callResult{agentID: agentID, token: token, res: res, err: err}:
		case <-s.done:
		}
	}()

	s.opts.Metrics.AgentStarted()
	s.logger.Info("agent dispatched", "agent", a.ID, "name", a.Name, "attempt", a.Attempts)
	s.agentChanged(a, true)
}

// completedDeps returns the finished work an agent builds on, as tasks
func (s *Session) completedDeps(a *domain.SubAgent) []*domain.DecomposedTask {
	deps := append([]*domain.DecomposedTask(nil), s.preDeps[a.ID]...)
	for _, id := range a.Dependencies {
		dep := s.state.Agent(id)
		if dep == nil || dep.Result == nil {
			continue
		}
		t := s.sources[id].Clone()
		t.Status = domain.TaskCompleted
		t.Response = dep.Result.Output
		t.CreatedFiles = dep.Result.CreatedFiles
		t.ModifiedFiles = dep.Result.ModifiedFiles
		deps = append(deps, t)
	}
	return deps
}

func (s *Session) prompt(a *domain.SubAgent, deps []*domain.DecomposedTask) string {
	prompt := executor.BuildTaskPrompt(s.requirement, s.sources[a.ID], deps)
	if a.Attempts > 1 && a.CurrentAction != "" {
		prompt += fmt.Sprintf("\nA previous attempt stopped at %.0f%% (%s). Start over and check what already exists.\n",
			a.Progress*100, a.CurrentAction)
	}
	if extra := s.extra[a.ID]; extra != "" {
		prompt += "\nAdditional context:\n" + extra + "\n"
	}
	return prompt
}

func (s *Session) handleResult(r callResult) {
	a := s.state.Agent(r.agentID)
	if a == nil {
		return
	}
	if r.res != nil {
		a.InputTokens += r.res.InputTokens
		a.OutputTokens += r.res.OutputTokens
		a.CostUSD += r.res.CostUSD
	}

	c, ok := s.inflight[r.agentID]
	if !ok || c.token != r.token || a.Status != domain.AgentRunning {
		// outcome of a paused or cancelled call
		return
	}
	s.stopCall(a.ID)

	out := executor.Outcome(r.res, r.err)
	if !out.Success {
		a.Failures++
	}
	switch {
	case out.Success:
		a.Complete(&domain.SubAgentResult{
			Output:        out.Output,
			CreatedFiles:  out.CreatedFiles,
			ModifiedFiles: out.ModifiedFiles,
			Summary:       executor.Summarize(out.Output, 400),
		})
		s.logger.Info("agent completed", "agent", a.ID, "name", a.Name, "tokens", a.InputTokens+a.OutputTokens)
	case a.Failures <= s.opts.MaxRetries:
		a.Status = domain.AgentIdle
		a.Error = out.Error
		s.logger.Warn("agent failed, retrying", "agent", a.ID, "name", a.Name, "failures", a.Failures, "error", out.Error)
	default:
		a.Fail(out.Error)
		s.logger.Warn("agent failed", "agent", a.ID, "name", a.Name, "error", out.Error)
	}
	s.agentChanged(a, true)
}

func (s *Session) handleProgress(p progressUpdate) {
	c, ok := s.inflight[p.agentID]
	if !ok || c.token != p.token {
		return
	}
	a := s.state.Agent(p.agentID)
	a.SetProgress(p.progress, p.action)
	s.agentChanged(a, false)
}

// stopCall cancels an in-flight call without waiting for it and frees its slot
func (s *Session) stopCall(agentID string) {
	c, ok := s.inflight[agentID]
	if !ok {
		return
	}
	c.cancel()
	delete(s.inflight, agentID)
	s.pool.Release()
	s.opts.Metrics.AgentStopped()
}

func (s *Session) cancelAgents(reason string) {
	s.cancelled = true
	for _, a := range s.state.Agents {
		if a.Status.IsTerminal() {
			continue
		}
		s.stopCall(a.ID)
		a.Cancel(reason)
		s.agentChanged(a, false)
	}
	s.cancel()
}

func (s *Session) finish() {
	s.setStatus(domain.SessionAggregating)

	status := domain.SessionCompleted
	failed := s.state.FailureCount() + s.state.CancelledCount()
	switch {
	case s.cancelled:
		status = domain.SessionCancelled
	case s.state.Policy.Violated(failed, len(s.state.Agents)):
		status = domain.SessionFailed
	}

	now := time.Now()
	s.state.CompletedAt = &now
	s.setStatus(status)
	s.logger.Info("session finished",
		"status", status,
		"completed", s.state.SuccessCount(),
		"failed", s.state.FailureCount(),
		"cancelled", s.state.CancelledCount(),
		"tokens", s.state.TotalTokens(),
		"cost_usd", s.state.TotalCostUSD())
}

func (s *Session) setStatus(status domain.SessionStatus) {
	s.state.Status = status
	s.opts.Events.Publish(events.Event{
		Kind:    events.KindSession,
		RunID:   s.state.RunID,
		State:   string(status),
		Message: fmt.Sprintf("session %s", status),
		Data:    map[string]interface{}{"session_id": s.state.ID, "progress": s.state.Progress()},
	})
	s.persist()
}

// agentChanged publishes an agent update; persist also checkpoints the session
func (s *Session) agentChanged(a *domain.SubAgent, persist bool) {
	s.opts.Events.Publish(events.Event{
		Kind:    events.KindAgentUpdate,
		RunID:   s.state.RunID,
		AgentID: a.ID,
		TaskID:  a.SourceTaskID,
		State:   string(a.Status),
		Message: a.CurrentAction,
		Data:    map[string]interface{}{"progress": a.Progress, "name": a.Name, "error": a.Error},
	})
	if s.onUpdate != nil {
		s.onUpdate(a.Clone())
	}
	if persist {
		s.persist()
	}
}

func (s *Session) persist() {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.SaveSession(s.state.Clone()); err != nil {
		s.logger.Warn("saving session", "error", err)
	}
}

// Pause stops a running agent, discarding its in-flight call, or holds an
// idle agent back from dispatch
func (s *Session) Pause(agentID string) error {
	return s.do(func() error {
		a := s.state.Agent(agentID)
		if a == nil {
			return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
		}
		return s.pause(a)
	})
}

func (s *Session) pause(a *domain.SubAgent) error {
	switch a.Status {
	case domain.AgentRunning:
		s.stopCall(a.ID)
	case domain.AgentIdle:
	default:
		return fmt.Errorf("%w: cannot pause %s agent %s", domain.ErrInvalidAgentCommand, a.Status, a.ID)
	}
	a.Status = domain.AgentPaused
	s.logger.Info("agent paused", "agent", a.ID, "name", a.Name, "progress", a.Progress)
	s.agentChanged(a, true)
	return nil
}

// Resume makes a paused agent eligible again. The task restarts from scratch;
// extraContext, if any, is appended to its prompt.
func (s *Session) Resume(agentID, extraContext string) error {
	return s.do(func() error {
		a := s.state.Agent(agentID)
		if a == nil {
			return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
		}
		return s.resume(a, extraContext)
	})
}

func (s *Session) resume(a *domain.SubAgent, extraContext string) error {
	if a.Status != domain.AgentPaused {
		return fmt.Errorf("%w: cannot resume %s agent %s", domain.ErrInvalidAgentCommand, a.Status, a.ID)
	}
	if extra := strings.TrimSpace(extraContext); extra != "" {
		if s.extra[a.ID] != "" {
			extra = s.extra[a.ID] + "\n" + extra
		}
		s.extra[a.ID] = extra
		a.Task.Context = extra
	}
	a.Status = domain.AgentIdle
	s.logger.Info("agent resumed", "agent", a.ID, "name", a.Name)
	s.agentChanged(a, true)
	return nil
}

// PauseAll pauses every running or idle agent and returns how many were paused
func (s *Session) PauseAll() (int, error) {
	n := 0
	err := s.do(func() error {
		for _, a := range s.state.Agents {
			if a.Status == domain.AgentRunning || a.Status == domain.AgentIdle {
				if err := s.pause(a); err == nil {
					n++
				}
			}
		}
		return nil
	})
	return n, err
}

// ResumeAll resumes every paused agent and returns how many were resumed
func (s *Session) ResumeAll(extraContext string) (int, error) {
	n := 0
	err := s.do(func() error {
		for _, a := range s.state.Agents {
			if a.Status == domain.AgentPaused {
				if err := s.resume(a, extraContext); err == nil {
					n++
				}
			}
		}
		return nil
	})
	return n, err
}

// Cancel cancels every non-terminal agent and the session. In-flight calls
// are told to stop; Cancel does not wait for them.
func (s *Session) Cancel() error {
	return s.do(func() error {
		s.logger.Info("session cancel requested")
		s.cancelAgents("cancelled")
		return nil
	})
}

// Snapshot returns a deep copy of the session
func (s *Session) Snapshot() *domain.OrchestratorSession {
	var snap *domain.OrchestratorSession
	if err := s.do(func() error {
		snap = s.state.Clone()
		return nil
	}); err != nil {
		// finished: the loop no longer touches state
		return s.state.Clone()
	}
	return snap
}

// Wait blocks until the session is terminal and returns its final state
func (s *Session) Wait(ctx context.Context) (*domain.OrchestratorSession, error) {
	select {
	case <-s.done:
		return s.state.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
