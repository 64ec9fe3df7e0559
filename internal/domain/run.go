package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxHealingAttempts bounds automatic repair when the caller does not choose
const DefaultMaxHealingAttempts = 1

// PipelineRun is one automation attempt for one project requirement
type PipelineRun struct {
	ID                 string            `json:"id"`
	ProjectID          string            `json:"project_id"`
	Requirement        string            `json:"requirement"`
	State              RunState          `json:"state"`
	Phase              Phase             `json:"phase"`
	Mode               ExecutionMode     `json:"mode"`
	WorkingDir         string            `json:"working_dir,omitempty"`
	Tasks              []*DecomposedTask `json:"tasks"`
	BuildAttempts      []BuildAttempt    `json:"build_attempts"`
	HealingAttempts    int               `json:"healing_attempts"`
	MaxHealingAttempts int               `json:"max_healing_attempts"`
	CompletedPhases    PhaseSet          `json:"completed_phases"`
	CurrentTaskIndex   int               `json:"current_task_index"`
	SessionID          string            `json:"session_id,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	OverheadUsage      Usage             `json:"overhead_usage"`
	Archived           bool              `json:"archived"`
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	LastSavedAt        *time.Time        `json:"last_saved_at,omitempty"`
	Logs               []LogEntry        `json:"logs"`
}

// Usage is token and cost accounting for executor calls
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage record
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// BuildAttempt is an immutable record of one build invocation
type BuildAttempt struct {
	Number           int          `json:"number"`
	Success          bool         `json:"success"`
	ExitCode         int          `json:"exit_code"`
	Output           string       `json:"output"`
	Errors           []BuildError `json:"errors,omitempty"`
	IsHealingAttempt bool         `json:"is_healing_attempt"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
}

// ErrorCount returns the number of error-severity diagnostics
func (b BuildAttempt) ErrorCount() int {
	n := 0
	for _, e := range b.Errors {
		if e.Severity == SeverityError {
			n++
		}
	}
	return n
}

// BuildError is one structured build diagnostic
type BuildError struct {
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
}

func (e BuildError) String() string {
	switch {
	case e.File == "":
		return fmt.Sprintf("%s: %s", e.Severity, e.Message)
	case e.Line == 0:
		return fmt.Sprintf("%s: %s: %s", e.File, e.Severity, e.Message)
	case e.Column == 0:
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Severity, e.Message)
	default:
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.File, e.Line, e.Column, e.Severity, e.Message)
	}
}

// LogEntry is one append-only structured log line of a run
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Phase     Phase     `json:"phase,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// PhaseSet is a sorted set of completed phases
type PhaseSet []Phase

// Has reports whether p is in the set
func (s PhaseSet) Has(p Phase) bool {
	for _, q := range s {
		if q == p {
			return true
		}
	}
	return false
}

// Add inserts p keeping the set sorted and unique
func (s *PhaseSet) Add(p Phase) {
	if s.Has(p) {
		return
	}
	*s = append(*s, p)
	sort.Slice(*s, func(i, j int) bool { return (*s)[i] < (*s)[j] })
}

// Max returns the highest phase in the set, or 0 when empty
func (s PhaseSet) Max() Phase {
	var max Phase
	for _, p := range s {
		if p > max {
			max = p
		}
	}
	return max
}

// NewPipelineRun creates a run in the idle state
func NewPipelineRun(projectID, requirement string, mode ExecutionMode, maxHealing int) *PipelineRun {
	if maxHealing < 0 {
		maxHealing = DefaultMaxHealingAttempts
	}
	return &PipelineRun{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		Requirement:        requirement,
		State:              RunIdle,
		Phase:              PhaseDecomposition,
		Mode:               mode,
		MaxHealingAttempts: maxHealing,
		CompletedPhases:    PhaseSet{},
		CreatedAt:          time.Now(),
	}
}

// allowedTransitions is the controller's state machine. Resuming out of
// paused or failed is additionally gated by CanResume.
var allowedTransitions = map[RunState][]RunState{
	RunIdle:        {RunDecomposing, RunCancelled},
	RunDecomposing: {RunExecuting, RunFailed, RunCancelled, RunPaused},
	RunExecuting:   {RunBuilding, RunFailed, RunCancelled, RunPaused},
	RunBuilding:    {RunCompleted, RunHealing, RunFailed, RunCancelled, RunPaused},
	RunHealing:     {RunCompleted, RunFailed, RunCancelled, RunPaused},
	RunPaused:      {RunDecomposing, RunExecuting, RunBuilding, RunHealing, RunCancelled},
	RunFailed:      {RunDecomposing, RunExecuting, RunBuilding, RunHealing},
}

// Transition moves the run to a new state, maintaining the
// CompletedAt-iff-terminal invariant
func (r *PipelineRun) Transition(to RunState) error {
	if r.State == to {
		return nil
	}
	if !transitionAllowed(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	if (r.State == RunPaused || r.State == RunFailed) && to.IsActive() && !r.CanResume() {
		return fmt.Errorf("%w: run %s in state %s", ErrNotResumable, r.ID, r.State)
	}

	now := time.Now()
	if to == RunDecomposing && r.StartedAt == nil {
		r.StartedAt = timePtr(now)
	}
	if to.IsTerminal() {
		r.CompletedAt = timePtr(now)
	} else {
		r.CompletedAt = nil
	}
	r.State = to
	return nil
}

func transitionAllowed(from, to RunState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the run reached completed, failed or cancelled
func (r *PipelineRun) IsTerminal() bool {
	return r.State.IsTerminal()
}

// CanResume is true from paused or failed when the run started but never finished
func (r *PipelineRun) CanResume() bool {
	if r.State != RunPaused && r.State != RunFailed {
		return false
	}
	return r.StartedAt != nil && r.CompletedAt == nil
}

// ResumePhase is where resumed execution restarts: the smallest phase greater
// than every completed phase, or the current phase if none completed yet
func (r *PipelineRun) ResumePhase() Phase {
	if len(r.CompletedPhases) == 0 {
		if r.Phase.Valid() {
			return r.Phase
		}
		return PhaseDecomposition
	}
	next := r.CompletedPhases.Max() + 1
	if next > PhaseHealing {
		next = PhaseHealing
	}
	return next
}

// MarkPhaseCompleted records p as done
func (r *PipelineRun) MarkPhaseCompleted(p Phase) {
	r.CompletedPhases.Add(p)
}

// LastBuild returns the current build result, or nil before the first build
func (r *PipelineRun) LastBuild() *BuildAttempt {
	if len(r.BuildAttempts) == 0 {
		return nil
	}
	return &r.BuildAttempts[len(r.BuildAttempts)-1]
}

// AppendBuild records a new attempt, numbering it
func (r *PipelineRun) AppendBuild(b BuildAttempt) {
	b.Number = len(r.BuildAttempts) + 1
	r.BuildAttempts = append(r.BuildAttempts, b)
}

// CanHeal is true while healing budget remains and the last build failed
func (r *PipelineRun) CanHeal() bool {
	last := r.LastBuild()
	if last == nil || last.Success {
		return false
	}
	return r.HealingAttempts < r.MaxHealingAttempts
}

// AddLog appends a structured log entry tagged with the current phase
func (r *PipelineRun) AddLog(level LogLevel, format string, args ...interface{}) LogEntry {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Phase:     r.Phase,
	}
	r.Logs = append(r.Logs, entry)
	return entry
}

// Task returns the task with the given ID, or nil
func (r *PipelineRun) Task(id string) *DecomposedTask {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// CompletedTaskIDs returns the set of completed task IDs
func (r *PipelineRun) CompletedTaskIDs() map[string]bool {
	completed := make(map[string]bool)
	for _, t := range r.Tasks {
		if t.Status == TaskCompleted {
			completed[t.ID] = true
		}
	}
	return completed
}

// TaskCounts returns the number of tasks per status
func (r *PipelineRun) TaskCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

// TotalUsage sums task usage and overhead (decomposition, healing)
func (r *PipelineRun) TotalUsage() Usage {
	u := r.OverheadUsage
	for _, t := range r.Tasks {
		u.Add(Usage{InputTokens: t.InputTokens, OutputTokens: t.OutputTokens, CostUSD: t.CostUSD})
	}
	return u
}

// Clone returns a deep copy suitable for handing to readers. Nil slices stay
// nil so a clone encodes exactly like its source.
func (r *PipelineRun) Clone() *PipelineRun {
	c := *r
	if r.Tasks != nil {
		c.Tasks = make([]*DecomposedTask, len(r.Tasks))
		for i, t := range r.Tasks {
			c.Tasks[i] = t.Clone()
		}
	}
	if r.BuildAttempts != nil {
		c.BuildAttempts = make([]BuildAttempt, len(r.BuildAttempts))
		for i, b := range r.BuildAttempts {
			if b.Errors != nil {
				b.Errors = append([]BuildError{}, b.Errors...)
			}
			c.BuildAttempts[i] = b
		}
	}
	if r.CompletedPhases != nil {
		c.CompletedPhases = append(PhaseSet{}, r.CompletedPhases...)
	}
	if r.Logs != nil {
		c.Logs = append([]LogEntry{}, r.Logs...)
	}
	c.Warnings = cloneStrings(r.Warnings)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.LastSavedAt = cloneTime(r.LastSavedAt)
	return &c
}
