package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/runstore"
)

// ErrAlreadyRunning is returned when resuming a run that has a live controller
var ErrAlreadyRunning = errors.New("run is already running")

// RunStore is the persistence the manager needs
type RunStore interface {
	Store
	GetRun(id string) (*domain.PipelineRun, error)
	ListRuns(opts runstore.ListOptions) ([]*domain.PipelineRun, error)
	LoadInterruptedRuns() ([]*domain.PipelineRun, error)
	GetSession(id string) (*domain.OrchestratorSession, error)
}

// StartRequest describes a new run
type StartRequest struct {
	ProjectID   string               `json:"project_id"`
	Requirement string               `json:"requirement"`
	WorkingDir  string               `json:"working_dir,omitempty"`
	Mode        domain.ExecutionMode `json:"mode,omitempty"`
	// MaxHealingAttempts overrides the manager default when not nil
	MaxHealingAttempts *int `json:"max_healing_attempts,omitempty"`
}

// Defaults apply to runs that do not set their own values
type Defaults struct {
	Mode               domain.ExecutionMode
	MaxHealingAttempts int
	WorkingDir         string
}

// Manager runs many pipeline runs concurrently, one controller goroutine each
type Manager struct {
	ctx      context.Context
	store    RunStore
	deps     Deps
	defaults Defaults
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Controller
	wg     sync.WaitGroup
}

// NewManager creates a manager. Cancelling ctx pauses every active run.
func NewManager(ctx context.Context, store RunStore, deps Deps, defaults Defaults) *Manager {
	deps.Store = store
	deps = deps.withDefaults()
	if defaults.Mode == "" {
		defaults.Mode = domain.ModeSequential
	}
	return &Manager{
		ctx:      ctx,
		store:    store,
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger,
		active:   make(map[string]*Controller),
	}
}

// Start creates a run and launches its controller
func (m *Manager) Start(req StartRequest) (*domain.PipelineRun, error) {
	if req.Requirement == "" {
		return nil, fmt.Errorf("requirement is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = m.defaults.Mode
	}
	maxHealing := m.defaults.MaxHealingAttempts
	if req.MaxHealingAttempts != nil {
		maxHealing = *req.MaxHealingAttempts
	}

	run := domain.NewPipelineRun(req.ProjectID, req.Requirement, mode, maxHealing)
	run.WorkingDir = req.WorkingDir
	if run.WorkingDir == "" {
		run.WorkingDir = m.defaults.WorkingDir
	}
	if err := m.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("saving new run: %w", err)
	}

	snapshot := run.Clone()
	m.launch(run)
	m.logger.Info("run started", "run", run.ID, "project", run.ProjectID, "mode", run.Mode)
	return snapshot, nil
}

// Resume relaunches a paused run from its resume phase
func (m *Manager) Resume(id string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.active[id]; running {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	run, err := m.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if !run.CanResume() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotResumable, id, run.State)
	}

	snapshot := run.Clone()
	m.launchLocked(run)
	m.logger.Info("run resumed", "run", id, "phase", run.ResumePhase())
	return snapshot, nil
}

func (m *Manager) launch(run *domain.PipelineRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchLocked(run)
}

func (m *Manager) launchLocked(run *domain.PipelineRun) {
	c := NewController(run, m.deps)
	m.active[run.ID] = c

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Run(m.ctx)
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()
}

func (m *Manager) controller(id string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// Cancel cancels an active run, or a paused or idle run that has no controller
func (m *Manager) Cancel(id string) error {
	if c := m.controller(id); c != nil {
		if err := c.Cancel(); !errors.Is(err, ErrControllerDone) {
			return err
		}
	}

	run, err := m.store.GetRun(id)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return fmt.Errorf("%w: run %s is already %s", domain.ErrInvalidTransition, id, run.State)
	}
	from := run.State
	if err := run.Transition(domain.RunCancelled); err != nil {
		return err
	}
	run.Summary = summarize(run, "cancelled by user")
	run.AddLog(domain.LevelWarn, "run cancelled while %s", from)
	return m.store.SaveRun(run)
}

// Get returns a snapshot of a run, live when a controller owns it
func (m *Manager) Get(id string) (*domain.PipelineRun, error) {
	if c := m.controller(id); c != nil {
		return c.Snapshot(), nil
	}
	return m.store.GetRun(id)
}

// List returns stored runs with active runs replaced by live snapshots
func (m *Manager) List(opts runstore.ListOptions) ([]*domain.PipelineRun, error) {
	runs, err := m.store.ListRuns(opts)
	if err != nil {
		return nil, err
	}
	for i, r := range runs {
		if c := m.controller(r.ID); c != nil {
			snap := c.Snapshot()
			snap.Logs = nil
			runs[i] = snap
		}
	}
	return runs, nil
}

// agentController returns the controller of a run whose sub-agents can take
// commands
func (m *Manager) agentController(runID string) (*Controller, error) {
	if c := m.controller(runID); c != nil {
		return c, nil
	}
	if _, err := m.store.GetRun(runID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: run %s", ErrNoSession, runID)
}

// PauseAgent pauses one sub-agent of a run executing in parallel mode
func (m *Manager) PauseAgent(runID, agentID string) error {
	c, err := m.agentController(runID)
	if err != nil {
		return err
	}
	return c.PauseAgent(agentID)
}

// ResumeAgent resumes a paused sub-agent, appending extraContext to its prompt
func (m *Manager) ResumeAgent(runID, agentID, extraContext string) error {
	c, err := m.agentController(runID)
	if err != nil {
		return err
	}
	return c.ResumeAgent(agentID, extraContext)
}

// PauseAgents pauses all sub-agents of a run
func (m *Manager) PauseAgents(runID string) (int, error) {
	c, err := m.agentController(runID)
	if err != nil {
		return 0, err
	}
	return c.PauseAgents()
}

// ResumeAgents resumes all paused sub-agents of a run
func (m *Manager) ResumeAgents(runID, extraContext string) (int, error) {
	c, err := m.agentController(runID)
	if err != nil {
		return 0, err
	}
	return c.ResumeAgents(extraContext)
}

// Session returns the run's sub-agent session: live while it executes, the
// last persisted snapshot otherwise
func (m *Manager) Session(runID string) (*domain.OrchestratorSession, error) {
	if c := m.controller(runID); c != nil {
		if s, err := c.SessionSnapshot(); err == nil {
			return s, nil
		}
	}
	run, err := m.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.SessionID == "" {
		return nil, fmt.Errorf("%w: run %s has no sub-agent session", domain.ErrSessionNotFound, runID)
	}
	return m.store.GetSession(run.SessionID)
}

// Active returns the IDs of runs with a live controller
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until the run's controller stops and returns the final run
func (m *Manager) Wait(ctx context.Context, id string) (*domain.PipelineRun, error) {
	if c := m.controller(id); c != nil {
		select {
		case <-c.Done():
			return c.Snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetRun(id)
}

// RecoverOnStartup pauses every run the previous process left active and
// returns them
func (m *Manager) RecoverOnStartup() ([]*domain.PipelineRun, error) {
	return Reconcile(m.store, m.logger)
}

// Shutdown waits for all controllers to stop. Cancel the manager's context
// first to pause active runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile moves runs persisted in an active state to paused, since no
// controller survived the restart. Idle runs that never started are left alone.
func Reconcile(store RunStore, logger *slog.Logger) ([]*domain.PipelineRun, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runs, err := store.LoadInterruptedRuns()
	if err != nil {
		return nil, fmt.Errorf("loading interrupted runs: %w", err)
	}

	var paused []*domain.PipelineRun
	for _, run := range runs {
		from := run.State
		if err := run.Transition(domain.RunPaused); err != nil {
			logger.Warn("cannot pause interrupted run", "run", run.ID, "state", from, "error", err)
			continue
		}
		run.AddLog(domain.LevelWarn, "process stopped while run was %s; paused for resume at %s", from, run.ResumePhase())
		if err := store.SaveRun(run); err != nil {
			return paused, fmt.Errorf("saving reconciled run %s: %w", run.ID, err)
		}
		logger.Info("paused interrupted run", "run", run.ID, "was", from, "resume_phase", run.ResumePhase())
		paused = append(paused, run)
	}
	return paused, nil
}
