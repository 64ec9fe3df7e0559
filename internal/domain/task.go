package domain

import "time"

// DecomposedTask is one unit of required work produced by decomposition
type DecomposedTask struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Department       Department `json:"department"`
	Priority         Priority   `json:"priority"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	Status           TaskStatus `json:"status"`
	CreatedFiles     []string   `json:"created_files,omitempty"`
	ModifiedFiles    []string   `json:"modified_files,omitempty"`
	Prompt           string     `json:"prompt,omitempty"`
	Response         string     `json:"response,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	AssignedExecutor string     `json:"assigned_executor,omitempty"`
	Order            int        `json:"order"`
	InputTokens      int        `json:"input_tokens"`
	OutputTokens     int        `json:"output_tokens"`
	CostUSD          float64    `json:"cost_usd"`
}

// IsReady returns true if the task is pending and all dependencies are in the completed set
func (t *DecomposedTask) IsReady(completed map[string]bool) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// NodeID implements scheduler.Node
func (t *DecomposedTask) NodeID() string { return t.ID }

// DependsOn implements scheduler.Node
func (t *DecomposedTask) DependsOn() []string { return t.Dependencies }

// IsPending implements scheduler.Node
func (t *DecomposedTask) IsPending() bool { return t.Status == TaskPending }

// PriorityRank implements scheduler.Node
func (t *DecomposedTask) PriorityRank() int { return t.Priority.Rank() }

// SortOrder implements scheduler.Node
func (t *DecomposedTask) SortOrder() int { return t.Order }

// Reset puts the task back to pending and clears the previous outcome
func (t *DecomposedTask) Reset() {
	t.Status = TaskPending
	t.Error = ""
	t.Response = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}

// Clone returns a deep copy of the task
func (t *DecomposedTask) Clone() *DecomposedTask {
	c := *t
	c.Dependencies = cloneStrings(t.Dependencies)
	c.CreatedFiles = cloneStrings(t.CreatedFiles)
	c.ModifiedFiles = cloneStrings(t.ModifiedFiles)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
