package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
)

func task(id, title string, deps ...string) *domain.DecomposedTask {
	return &domain.DecomposedTask{
		ID:           id,
		Title:        title,
		Department:   domain.DeptDevelopment,
		Priority:     domain.PriorityNormal,
		Status:       domain.TaskPending,
		Dependencies: deps,
	}
}

// titleOf extracts the task title from a generated prompt
func titleOf(prompt string) string {
	first := strings.SplitN(prompt, "\n", 2)[0]
	return strings.TrimPrefix(first, "You are implementing: ")
}

func wait(t *testing.T, s *Session) *domain.OrchestratorSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := s.Wait(ctx)
	require.NoError(t, err)
	return final
}

type sessionStore struct {
	mu    sync.Mutex
	saved []*domain.OrchestratorSession
}

func (s *sessionStore) SaveSession(session *domain.OrchestratorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, session)
	return nil
}

func (s *sessionStore) last() *domain.OrchestratorSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

func TestSession_DependencyOrdering(t *testing.T) {
	var mu sync.Mutex
	var started []string
	finished := make(map[string]time.Time)
	startedAt := make(map[string]time.Time)

	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		title := titleOf(req.Prompt)
		mu.Lock()
		started = append(started, title)
		startedAt[title] = time.Now()
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		finished[title] = time.Now()
		mu.Unlock()
		return &executor.Result{Output: title + " done", Success: true, InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}, nil
	})

	store := &sessionStore{}
	c := New(exec, Options{MaxConcurrent: 4, Store: store})
	s, err := c.Start(context.Background(), Input{
		RunID:       "run-1",
		Requirement: "build it",
		Tasks:       []*domain.DecomposedTask{task("a", "A"), task("b", "B", "a"), task("c", "C", "a")},
	})
	require.NoError(t, err)

	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 3, final.SuccessCount())
	assert.Equal(t, 45, final.TotalTokens())
	assert.InDelta(t, 0.03, final.TotalCostUSD(), 1e-9)
	assert.Equal(t, 1.0, final.Progress())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 3)
	assert.Equal(t, "A", started[0])
	assert.False(t, startedAt["B"].Before(finished["A"]), "B started before A finished")
	assert.False(t, startedAt["C"].Before(finished["A"]), "C started before A finished")

	assert.Equal(t, domain.SessionCompleted, store.last().Status)
}

func TestSession_DependentsReceiveOutput(t *testing.T) {
	var mu sync.Mutex
	contexts := make(map[string]string)
	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		mu.Lock()
		contexts[titleOf(req.Prompt)] = req.Context
		mu.Unlock()
		return &executor.Result{Output: "wrote schema.sql", CreatedFiles: []string{"schema.sql"}, Success: true}, nil
	})

	prior := task("db", "Database")
	prior.Status = domain.TaskCompleted
	prior.Response = "created tables"

	s, err := New(exec, Options{}).Start(context.Background(), Input{
		Tasks:     []*domain.DecomposedTask{task("api", "API", "db"), task("ui", "UI", "api")},
		Completed: []*domain.DecomposedTask{prior},
	})
	require.NoError(t, err)
	wait(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, contexts["API"], "### Database")
	assert.Contains(t, contexts["API"], "created tables")
	assert.Contains(t, contexts["UI"], "Files: schema.sql")
}

func TestSession_DispatchCappedToFreeSlots(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return &executor.Result{Success: true}, nil
	})

	s, err := New(exec, Options{MaxConcurrent: 2}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{
		task("1", "one"), task("2", "two"), task("3", "three"), task("4", "four"), task("5", "five"),
	}})
	require.NoError(t, err)
	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 5, final.SuccessCount())
	assert.LessOrEqual(t, peak, 2)
	for _, a := range final.Agents {
		assert.Equal(t, 1, a.Attempts, a.Name)
	}
}

func TestSession_CancelRunningAndIdle(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := New(exec, Options{MaxConcurrent: 3})
	s, err := c.Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{
		task("1", "one"), task("2", "two"), task("3", "three"), task("4", "four"), task("5", "five"),
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Snapshot().RunningCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel())
	final := wait(t, s)

	assert.Equal(t, domain.SessionCancelled, final.Status)
	assert.Equal(t, 5, final.CancelledCount())
	for _, a := range final.Agents {
		assert.NotNil(t, a.CompletedAt)
		assert.NotEmpty(t, a.Error)
	}

	assert.ErrorIs(t, s.Cancel(), ErrSessionFinished)
}

func TestSession_ParentContextCancelled(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(exec, Options{}).Start(ctx, Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)

	cancel()
	final := wait(t, s)
	assert.Equal(t, domain.SessionCancelled, final.Status)
}

func TestSession_FailureCancelsDependents(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		title := titleOf(req.Prompt)
		mu.Lock()
		ran = append(ran, title)
		mu.Unlock()
		if title == "A" {
			return nil, errors.New("model unavailable")
		}
		return &executor.Result{Success: true}, nil
	})

	s, err := New(exec, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{
		task("a", "A"), task("b", "B", "a"), task("c", "C", "b"), task("d", "D"),
	}})
	require.NoError(t, err)
	final := wait(t, s)

	assert.Equal(t, domain.SessionFailed, final.Status)
	assert.Equal(t, 1, final.FailureCount())
	assert.Equal(t, 2, final.CancelledCount())
	assert.Equal(t, 1, final.SuccessCount())

	byName := make(map[string]*domain.SubAgent)
	for _, a := range final.Agents {
		byName[a.Name] = a
	}
	assert.Equal(t, "model unavailable", byName["A"].Error)
	assert.Equal(t, "dependency failed", byName["B"].Error)
	assert.Equal(t, "dependency failed", byName["C"].Error)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"A", "D"}, ran)
}

func TestSession_FailurePolicyTolerance(t *testing.T) {
	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		if titleOf(req.Prompt) == "flaky" {
			return &executor.Result{Success: false, Error: "tests failed"}, nil
		}
		return &executor.Result{Success: true}, nil
	})

	s, err := New(exec, Options{Policy: domain.FailurePolicy{MaxFailedFraction: 0.5}}).Start(context.Background(), Input{
		Tasks: []*domain.DecomposedTask{task("1", "flaky"), task("2", "two"), task("3", "three"), task("4", "four")},
	})
	require.NoError(t, err)
	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 1, final.FailureCount())
}

func TestSession_Retry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, executor.ErrTimeout
		}
		return &executor.Result{Success: true}, nil
	})

	s, err := New(exec, Options{MaxRetries: 1}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)
	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, 2, final.Agents[0].Attempts)
}

func TestSession_PauseDoesNotUseRetryBudget(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		switch n {
		case 1:
			<-ctx.Done()
			return nil, ctx.Err()
		case 2:
			return &executor.Result{Success: false, Error: "compile error"}, nil
		default:
			return &executor.Result{Success: true}, nil
		}
	})

	s, err := New(exec, Options{MaxRetries: 1}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().RunningCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	agentID := s.Snapshot().Agents[0].ID
	require.NoError(t, s.Pause(agentID))
	require.NoError(t, s.Resume(agentID, ""))
	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, domain.AgentCompleted, final.Agents[0].Status)
	assert.Equal(t, 3, final.Agents[0].Attempts)
	assert.Equal(t, 1, final.Agents[0].Failures)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestSession_PauseResume(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		first := len(prompts) == 1
		mu.Unlock()

		if first {
			req.OnProgress(0.4, "Edit")
			<-ctx.Done()
			return &executor.Result{InputTokens: 7}, ctx.Err()
		}
		return &executor.Result{Output: "ok", Success: true}, nil
	})

	s, err := New(exec, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.RunningCount() == 1 && snap.Agents[0].Progress == 0.4
	}, 2*time.Second, 5*time.Millisecond)

	agentID := s.Snapshot().Agents[0].ID
	require.NoError(t, s.Pause(agentID))

	paused := s.Snapshot().Agents[0]
	assert.Equal(t, domain.AgentPaused, paused.Status)
	assert.Equal(t, 0.4, paused.Progress)
	assert.Equal(t, "Edit", paused.CurrentAction)

	require.NoError(t, s.Resume(agentID, "use sqlite"))
	final := wait(t, s)

	assert.Equal(t, domain.SessionCompleted, final.Status)
	assert.Equal(t, "use sqlite", final.Agents[0].Task.Context)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "use sqlite")
	assert.Contains(t, prompts[1], "40% (Edit)")
}

func TestSession_PauseAllResumeAll(t *testing.T) {
	release := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		select {
		case <-release:
			return &executor.Result{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	s, err := New(exec, Options{MaxConcurrent: 1}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{
		task("1", "one"), task("2", "two"),
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().RunningCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	n, err := s.PauseAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.Snapshot().RunningCount())

	close(release)
	n, err = s.ResumeAll("")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	final := wait(t, s)
	assert.Equal(t, domain.SessionCompleted, final.Status)
}

func TestSession_CommandErrors(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{Success: true}, nil
	})
	s, err := New(exec, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)

	final := wait(t, s)
	assert.ErrorIs(t, s.Pause(final.Agents[0].ID), ErrSessionFinished)
	assert.Equal(t, domain.SessionCompleted, s.Snapshot().Status)

	block := make(chan struct{})
	defer close(block)
	blocking := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &executor.Result{Success: true}, nil
	})
	s2, err := New(blocking, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("1", "one")}})
	require.NoError(t, err)
	defer s2.Cancel()

	assert.ErrorIs(t, s2.Pause("nope"), domain.ErrAgentNotFound)
	assert.ErrorIs(t, s2.Resume(s2.Snapshot().Agents[0].ID, ""), domain.ErrInvalidAgentCommand)
}

func TestStart_RejectsCycle(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		t.Error("executor must not be called")
		return nil, nil
	})

	_, err := New(exec, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{
		task("a", "A", "b"), task("b", "B", "a"),
	}})

	assert.ErrorIs(t, err, domain.ErrCycleDetected)
}

func TestStart_RejectsDanglingDependency(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{Success: true}, nil
	})

	_, err := New(exec, Options{}).Start(context.Background(), Input{Tasks: []*domain.DecomposedTask{task("a", "A", "ghost")}})

	assert.ErrorIs(t, err, domain.ErrDanglingDependency)
}

func TestSession_EmptyInputCompletes(t *testing.T) {
	s, err := New(executor.Func(nil), Options{}).Start(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, wait(t, s).Status)
}

func TestSession_ProgressIsMonotonicAndPublished(t *testing.T) {
	var mu sync.Mutex
	var progress []float64
	var kinds []events.Kind

	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		req.OnProgress(0.5, "Write")
		req.OnProgress(0.2, "Read")
		return &executor.Result{Success: true}, nil
	})

	s, err := New(exec, Options{
		Events: events.PublisherFunc(func(e events.Event) {
			mu.Lock()
			kinds = append(kinds, e.Kind)
			mu.Unlock()
		}),
	}).Start(context.Background(), Input{
		RunID: "r",
		Tasks: []*domain.DecomposedTask{task("1", "one")},
		OnAgentUpdate: func(a *domain.SubAgent) {
			mu.Lock()
			progress = append(progress, a.Progress)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	wait(t, s)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress went backwards: %v", progress)
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])
	assert.Contains(t, kinds, events.KindAgentUpdate)
	assert.Equal(t, events.KindSession, kinds[len(kinds)-1])
}
