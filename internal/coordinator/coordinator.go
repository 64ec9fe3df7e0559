// Package coordinator runs the decomposed tasks of one pipeline run as
// concurrent sub-agents, respecting dependency order, a concurrency bound and
// per-agent pause/resume/cancel commands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
	"github.com/hochfrequenz/autodev-orchestrator/internal/metrics"
	"github.com/hochfrequenz/autodev-orchestrator/internal/scheduler"
)

// ErrSessionFinished is returned by commands sent to a terminal session
var ErrSessionFinished = errors.New("session already finished")

// SessionStore persists session snapshots
type SessionStore interface {
	SaveSession(session *domain.OrchestratorSession) error
}

// Options configures a Coordinator
type Options struct {
	// MaxConcurrent bounds running agents; <= 0 means unbounded
	MaxConcurrent int
	// RatePerSecond limits agent dispatch; 0 disables limiting
	RatePerSecond float64
	Burst         int
	// MaxRetries re-dispatches a failed agent before marking it failed
	MaxRetries int
	Policy     domain.FailurePolicy

	Store   SessionStore
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Coordinator creates sessions
type Coordinator struct {
	exec executor.TaskExecutor
	opts Options
}

// New creates a coordinator dispatching to exec
func New(exec executor.TaskExecutor, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{exec: exec, opts: opts}
}

// Input is the work handed to a session
type Input struct {
	RunID       string
	Requirement string
	WorkingDir  string
	// Tasks are the tasks to run; dependencies outside this list must be
	// listed in Completed
	Tasks []*domain.DecomposedTask
	// Completed are already finished tasks whose output is passed to dependents
	Completed []*domain.DecomposedTask
	// OnAgentUpdate receives a copy of an agent after each change. It is
	// called from the session goroutine and must not block for long.
	OnAgentUpdate func(agent *domain.SubAgent)
}

// Start creates one sub-agent per task and begins scheduling. The session runs
// until every agent is terminal, Cancel is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context, in Input) (*Session, error) {
	now := time.Now()
	state := &domain.OrchestratorSession{
		ID:        uuid.New().String(),
		RunID:     in.RunID,
		Status:    domain.SessionPlanning,
		Policy:    c.opts.Policy,
		CreatedAt: now,
	}

	agentOf := make(map[string]string, len(in.Tasks))
	for _, t := range in.Tasks {
		agentOf[t.ID] = uuid.New().String()
	}
	done := make(map[string]*domain.DecomposedTask, len(in.Completed))
	for _, t := range in.Completed {
		done[t.ID] = t.Clone()
	}

	sources := make(map[string]*domain.DecomposedTask, len(in.Tasks))
	preDeps := make(map[string][]*domain.DecomposedTask)
	for i, t := range in.Tasks {
		agent := &domain.SubAgent{
			ID:   agentOf[t.ID],
			Name: t.Title,
			Task: domain.SubAgentTask{
				Title:       t.Title,
				Description: t.Description,
				Type:        t.Department,
				Priority:    t.Priority,
			},
			SourceTaskID: t.ID,
			Status:       domain.AgentIdle,
			ParentID:     state.ID,
			Order:        i,
		}
		for _, dep := range t.Dependencies {
			if id, ok := agentOf[dep]; ok {
				agent.Dependencies = append(agent.Dependencies, id)
				continue
			}
			if d, ok := done[dep]; ok {
				preDeps[agent.ID] = append(preDeps[agent.ID], d)
				continue
			}
			// keep the unknown ID so validation reports it
			agent.Dependencies = append(agent.Dependencies, dep)
		}
		state.Agents = append(state.Agents, agent)
		sources[agent.ID] = t.Clone()
	}

	if err := scheduler.Validate(state.Agents); err != nil {
		return nil, fmt.Errorf("validating agent graph: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		state:       state,
		exec:        c.exec,
		opts:        c.opts,
		requirement: in.Requirement,
		workingDir:  in.WorkingDir,
		sources:     sources,
		onUpdate:    in.OnAgentUpdate,
		preDeps:     preDeps,
		extra:       make(map[string]string),
		inflight:    make(map[string]*call),
		pool:        NewPool(c.opts.MaxConcurrent),
		cmds:        make(chan func()),
		results:     make(chan callResult, len(state.Agents)+1),
		progress:    make(chan progressUpdate, 64),
		done:        make(chan struct{}),
		ctx:         sessionCtx,
		cancel:      cancel,
		logger:      c.opts.Logger.With("session", state.ID, "run", in.RunID),
	}
	if c.opts.RatePerSecond > 0 {
		burst := c.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), burst)
	}

	s.setStatus(domain.SessionRunning)
	s.logger.Info("session started", "agents", len(state.Agents), "max_concurrent", c.opts.MaxConcurrent)

	go s.loop()
	return s, nil
}
