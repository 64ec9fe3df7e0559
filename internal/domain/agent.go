package domain

import "time"

// AgentStatus represents the status of a sub-agent
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentPaused    AgentStatus = "paused"
	AgentCancelled AgentStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentCancelled
}

// SessionStatus is the aggregate status of an orchestrator session
type SessionStatus string

const (
	SessionPlanning    SessionStatus = "planning"
	SessionRunning     SessionStatus = "running"
	SessionAggregating SessionStatus = "aggregating"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// SubAgentTask is the work description carried by a sub-agent
type SubAgentTask struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        Department `json:"type"`
	Priority    Priority   `json:"priority"`
	Context     string     `json:"context,omitempty"`
	Skills      []string   `json:"skills,omitempty"`
}

// SubAgentResult is the outcome of a successful sub-agent
type SubAgentResult struct {
	Output        string   `json:"output"`
	Artifacts     []string `json:"artifacts,omitempty"`
	CreatedFiles  []string `json:"created_files,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Summary       string   `json:"summary"`
}

// SubAgent is one concurrently schedulable work unit bound to a task.
// Attempts counts dispatches, including restarts after a pause; Failures
// counts failed calls and is what the retry budget is checked against.
type SubAgent struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Task          SubAgentTask    `json:"task"`
	SourceTaskID  string          `json:"source_task_id,omitempty"`
	Status        AgentStatus     `json:"status"`
	Result        *SubAgentResult `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Progress      float64         `json:"progress"`
	CurrentAction string          `json:"current_action,omitempty"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	CostUSD       float64         `json:"cost_usd"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	ParentID      string          `json:"parent_id"`
	Attempts      int             `json:"attempts"`
	Failures      int             `json:"failures"`
	Order         int             `json:"order"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NodeID implements scheduler.Node
func (a *SubAgent) NodeID() string { return a.ID }

// DependsOn implements scheduler.Node
func (a *SubAgent) DependsOn() []string { return a.Dependencies }

// IsPending implements scheduler.Node; an idle agent has not been dispatched yet
func (a *SubAgent) IsPending() bool { return a.Status == AgentIdle }

// PriorityRank implements scheduler.Node
func (a *SubAgent) PriorityRank() int { return a.Task.Priority.Rank() }

// SortOrder implements scheduler.Node
func (a *SubAgent) SortOrder() int { return a.Order }

// SetProgress records progress. Decreases while running are ignored and
// terminal agents are frozen.
func (a *SubAgent) SetProgress(p float64, action string) {
	if a.Status.IsTerminal() {
		return
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if a.Status == AgentRunning && p < a.Progress {
		p = a.Progress
	}
	a.Progress = p
	if action != "" {
		a.CurrentAction = action
	}
}

// Complete marks the agent completed with a result
func (a *SubAgent) Complete(result *SubAgentResult) {
	if a.Status.IsTerminal() {
		return
	}
	a.Status = AgentCompleted
	a.Result = result
	a.Progress = 1
	a.CompletedAt = timePtr(time.Now())
}

// Fail marks the agent failed with an error message
func (a *SubAgent) Fail(msg string) {
	a.finish(AgentFailed, msg)
}

// Cancel marks the agent cancelled
func (a *SubAgent) Cancel(msg string) {
	a.finish(AgentCancelled, msg)
}

func (a *SubAgent) finish(status AgentStatus, msg string) {
	if a.Status.IsTerminal() {
		return
	}
	if msg == "" {
		msg = string(status)
	}
	a.Status = status
	a.Error = msg
	a.CompletedAt = timePtr(time.Now())
}

// Usage returns the agent's token accounting
func (a *SubAgent) Usage() Usage {
	return Usage{InputTokens: a.InputTokens, OutputTokens: a.OutputTokens, CostUSD: a.CostUSD}
}

// Clone returns a deep copy of the agent
func (a *SubAgent) Clone() *SubAgent {
	c := *a
	c.Dependencies = cloneStrings(a.Dependencies)
	c.Task.Skills = cloneStrings(a.Task.Skills)
	if a.Result != nil {
		r := *a.Result
		r.Artifacts = cloneStrings(a.Result.Artifacts)
		r.CreatedFiles = cloneStrings(a.Result.CreatedFiles)
		r.ModifiedFiles = cloneStrings(a.Result.ModifiedFiles)
		c.Result = &r
	}
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}

// FailurePolicy decides whether a session with failed agents still counts as completed.
// MaxFailedFraction 0 means any failure fails the session.
type FailurePolicy struct {
	MaxFailedFraction float64 `json:"max_failed_fraction"`
}

// Violated reports whether failed out of total breaches the policy
func (p FailurePolicy) Violated(failed, total int) bool {
	if failed == 0 || total == 0 {
		return false
	}
	if p.MaxFailedFraction <= 0 {
		return true
	}
	return float64(failed)/float64(total) > p.MaxFailedFraction
}

// OrchestratorSession owns the sub-agents of one parallel run
type OrchestratorSession struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Status      SessionStatus `json:"status"`
	Agents      []*SubAgent   `json:"agents"`
	Policy      FailurePolicy `json:"policy"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Agent returns the agent with the given ID, or nil
func (s *OrchestratorSession) Agent(id string) *SubAgent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Progress is the fraction of agents in a terminal state
func (s *OrchestratorSession) Progress() float64 {
	if len(s.Agents) == 0 {
		return 0
	}
	done := 0
	for _, a := range s.Agents {
		if a.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(s.Agents))
}

// TotalTokens sums input and output tokens over all agents
func (s *OrchestratorSession) TotalTokens() int {
	n := 0
	for _, a := range s.Agents {
		n += a.InputTokens + a.OutputTokens
	}
	return n
}

// TotalCostUSD sums cost over all agents
func (s *OrchestratorSession) TotalCostUSD() float64 {
	var c float64
	for _, a := range s.Agents {
		c += a.CostUSD
	}
	return c
}

// SuccessCount returns the number of completed agents
func (s *OrchestratorSession) SuccessCount() int { return s.count(AgentCompleted) }

// FailureCount returns the number of failed agents
func (s *OrchestratorSession) FailureCount() int { return s.count(AgentFailed) }

// CancelledCount returns the number of cancelled agents
func (s *OrchestratorSession) CancelledCount() int { return s.count(AgentCancelled) }

// RunningCount returns the number of running agents
func (s *OrchestratorSession) RunningCount() int { return s.count(AgentRunning) }

func (s *OrchestratorSession) count(status AgentStatus) int {
	n := 0
	for _, a := range s.Agents {
		if a.Status == status {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the session
func (s *OrchestratorSession) Clone() *OrchestratorSession {
	c := *s
	c.Agents = make([]*SubAgent, len(s.Agents))
	for i, a := range s.Agents {
		c.Agents[i] = a.Clone()
	}
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}
