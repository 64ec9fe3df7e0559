package domain

import "testing"

func TestParseDepartment(t *testing.T) {
	tests := []struct {
		input string
		want  Department
		known bool
	}{
		{"development", DeptDevelopment, true},
		{"Design", DeptDesign, true},
		{"  QA ", DeptQA, true},
		{"기획팀", DeptPlanning, true},
		{"개발", DeptDevelopment, true},
		{"마케팅", DeptMarketing, true},
		{"Marketing Team", DeptMarketing, true},
		{"legal", DefaultDepartment, false},
		{"", DefaultDepartment, false},
	}
	for _, tt := range tests {
		got, known := ParseDepartment(tt.input)
		if got != tt.want || known != tt.known {
			t.Errorf("ParseDepartment(%q) = (%s, %v), want (%s, %v)", tt.input, got, known, tt.want, tt.known)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, _ := ParsePriority("HIGH"); p != PriorityHigh {
		t.Errorf("ParsePriority(HIGH) = %s", p)
	}
	if p, known := ParsePriority("whenever"); p != PriorityNormal || known {
		t.Errorf("ParsePriority(whenever) = (%s, %v), want (normal, false)", p, known)
	}
	if PriorityHigh.Rank() >= PriorityLow.Rank() {
		t.Error("high priority should rank before low")
	}
}

func TestSubAgent_ProgressMonotonicWhileRunning(t *testing.T) {
	a := &SubAgent{ID: "a", Status: AgentRunning}

	a.SetProgress(0.5, "writing code")
	a.SetProgress(0.2, "rewinding")
	if a.Progress != 0.5 {
		t.Errorf("Progress = %v, want 0.5 (decrease ignored)", a.Progress)
	}
	if a.CurrentAction != "rewinding" {
		t.Errorf("CurrentAction = %q, want latest action", a.CurrentAction)
	}

	a.Complete(&SubAgentResult{Summary: "done"})
	a.SetProgress(0.1, "late update")
	if a.Progress != 1 {
		t.Errorf("Progress = %v, want 1 after completion", a.Progress)
	}
	if a.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestSubAgent_TerminalIsFinal(t *testing.T) {
	a := &SubAgent{ID: "a", Status: AgentRunning}
	a.Fail("boom")
	a.Cancel("")
	a.Complete(&SubAgentResult{})

	if a.Status != AgentFailed {
		t.Errorf("Status = %s, want failed", a.Status)
	}
	if a.Error != "boom" {
		t.Errorf("Error = %q, want boom", a.Error)
	}
	if a.Result != nil {
		t.Error("Result should stay nil for failed agent")
	}
}

func TestOrchestratorSession_Aggregates(t *testing.T) {
	s := &OrchestratorSession{
		Agents: []*SubAgent{
			{ID: "a", Status: AgentCompleted, InputTokens: 100, OutputTokens: 50, CostUSD: 0.5},
			{ID: "b", Status: AgentFailed, InputTokens: 10, OutputTokens: 5, CostUSD: 0.1},
			{ID: "c", Status: AgentRunning},
			{ID: "d", Status: AgentIdle},
		},
	}

	if got := s.Progress(); got != 0.5 {
		t.Errorf("Progress() = %v, want 0.5", got)
	}
	if got := s.TotalTokens(); got != 165 {
		t.Errorf("TotalTokens() = %d, want 165", got)
	}
	if got := s.TotalCostUSD(); got < 0.599 || got > 0.601 {
		t.Errorf("TotalCostUSD() = %v, want 0.6", got)
	}
	if s.SuccessCount() != 1 || s.FailureCount() != 1 || s.RunningCount() != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", s.SuccessCount(), s.FailureCount(), s.RunningCount())
	}
}

func TestFailurePolicy_Violated(t *testing.T) {
	tests := []struct {
		policy        FailurePolicy
		failed, total int
		want          bool
	}{
		{FailurePolicy{}, 0, 5, false},
		{FailurePolicy{}, 1, 5, true},
		{FailurePolicy{MaxFailedFraction: 0.2}, 1, 5, false},
		{FailurePolicy{MaxFailedFraction: 0.2}, 2, 5, true},
		{FailurePolicy{MaxFailedFraction: 1}, 5, 5, false},
	}
	for _, tt := range tests {
		if got := tt.policy.Violated(tt.failed, tt.total); got != tt.want {
			t.Errorf("%+v.Violated(%d, %d) = %v, want %v", tt.policy, tt.failed, tt.total, got, tt.want)
		}
	}
}
