package scheduler

import (
	"errors"
	"testing"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

func task(id string, status domain.TaskStatus, deps ...string) *domain.DecomposedTask {
	return &domain.DecomposedTask{ID: id, Title: id, Status: status, Priority: domain.PriorityNormal, Dependencies: deps}
}

func ids[T Node](nodes []T) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID()
	}
	return out
}

func TestExecutable(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "b"),
		task("d", domain.TaskPending),
	}

	ready := Executable(tasks, map[string]bool{})

	// a and d have no dependencies
	if len(ready) != 2 {
		t.Fatalf("Ready count = %d, want 2", len(ready))
	}
	// a unblocks more work than d
	if ready[0].ID != "a" {
		t.Errorf("First ready = %s, want a", ready[0].ID)
	}
}

func TestExecutable_WithCompleted(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskCompleted),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "b"),
	}

	ready := Executable(tasks, map[string]bool{"a": true})

	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("Ready = %v, want [b]", ids(ready))
	}
}

func TestExecutable_SkipsNonPending(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskRunning),
		task("b", domain.TaskFailed),
		task("c", domain.TaskSkipped),
	}

	if ready := Executable(tasks, map[string]bool{}); len(ready) != 0 {
		t.Errorf("Ready = %v, want none", ids(ready))
	}
}

func TestExecutable_Priority(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		{ID: "normal", Status: domain.TaskPending, Priority: domain.PriorityNormal, Order: 0},
		{ID: "high", Status: domain.TaskPending, Priority: domain.PriorityHigh, Order: 1},
		{ID: "low", Status: domain.TaskPending, Priority: domain.PriorityLow, Order: 2},
	}

	ready := Executable(tasks, map[string]bool{})

	want := []string{"high", "normal", "low"}
	for i, id := range ids(ready) {
		if id != want[i] {
			t.Errorf("ready[%d] = %s, want %s", i, id, want[i])
		}
	}
}

func TestLimit(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending),
		task("b", domain.TaskPending),
		task("c", domain.TaskPending),
	}

	if got := Limit(Executable(tasks, nil), 2); len(got) != 2 {
		t.Errorf("Ready count = %d, want 2 (limited)", len(got))
	}
	if got := Limit(tasks, 0); len(got) != 3 {
		t.Errorf("Limit 0 should not limit, got %d", len(got))
	}
}

func TestDependencyDepth(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "b"),
		task("d", domain.TaskPending),
	}
	dependents := dependentsOf(tasks)

	if depth := dependencyDepth("a", dependents); depth != 2 {
		t.Errorf("a depth = %d, want 2", depth)
	}
	if depth := dependencyDepth("d", dependents); depth != 0 {
		t.Errorf("d depth = %d, want 0", depth)
	}
}

func TestValidate_Cycle(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending, "c"),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "b"),
		task("d", domain.TaskPending),
	}

	err := Validate(tasks)
	if !errors.Is(err, domain.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
	var gerr *domain.GraphError
	if !errors.As(err, &gerr) {
		t.Fatal("expected *GraphError")
	}
	if len(gerr.Cycle) != 4 || gerr.Cycle[0] != gerr.Cycle[3] {
		t.Errorf("Cycle = %v, want closed path of 3 nodes", gerr.Cycle)
	}
}

func TestValidate_SelfDependency(t *testing.T) {
	tasks := []*domain.DecomposedTask{task("a", domain.TaskPending, "a")}

	if err := Validate(tasks); !errors.Is(err, domain.ErrCycleDetected) {
		t.Errorf("err = %v, want ErrCycleDetected", err)
	}
}

func TestValidate_Dangling(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending),
		task("b", domain.TaskPending, "ghost"),
	}

	err := Validate(tasks)
	if !errors.Is(err, domain.ErrDanglingDependency) {
		t.Fatalf("err = %v, want ErrDanglingDependency", err)
	}
	var gerr *domain.GraphError
	errors.As(err, &gerr)
	if gerr.NodeID != "b" || gerr.Missing != "ghost" {
		t.Errorf("GraphError = %+v", gerr)
	}
}

func TestValidate_Acyclic(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "a"),
		task("d", domain.TaskPending, "b", "c"),
	}

	if err := Validate(tasks); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestUnreachable(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskFailed),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskPending, "b"),
		task("d", domain.TaskPending),
		task("e", domain.TaskCompleted),
		task("f", domain.TaskPending, "e"),
	}
	status := map[string]domain.TaskStatus{}
	for _, tk := range tasks {
		status[tk.ID] = tk.Status
	}
	blocked := func(id string) bool {
		return status[id] == domain.TaskFailed || status[id] == domain.TaskSkipped
	}

	got := Unreachable(tasks, blocked)

	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Unreachable = %v, want [b c]", got)
	}
}

func TestTopologicalSort(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		{ID: "d", Status: domain.TaskPending, Dependencies: []string{"b", "c"}, Order: 0},
		{ID: "c", Status: domain.TaskPending, Dependencies: []string{"a"}, Order: 1},
		{ID: "b", Status: domain.TaskPending, Dependencies: []string{"a"}, Order: 2},
		{ID: "a", Status: domain.TaskPending, Order: 3},
	}

	sorted, err := TopologicalSort(tasks)
	if err != nil {
		t.Fatal(err)
	}

	pos := map[string]int{}
	for i, id := range ids(sorted) {
		pos[id] = i
	}
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			if pos[dep] >= pos[tk.ID] {
				t.Errorf("%s sorted before its dependency %s", tk.ID, dep)
			}
		}
	}
	if sorted[1].ID != "c" {
		t.Errorf("sorted[1] = %s, want c (lower order wins ties)", sorted[1].ID)
	}
}

func TestTopologicalSort_Cycle(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskPending, "b"),
		task("b", domain.TaskPending, "a"),
	}

	if _, err := TopologicalSort(tasks); !errors.Is(err, domain.ErrCycleDetected) {
		t.Errorf("err = %v, want ErrCycleDetected", err)
	}
}

func TestExecutable_SubAgents(t *testing.T) {
	agents := []*domain.SubAgent{
		{ID: "a", Status: domain.AgentCompleted},
		{ID: "b", Status: domain.AgentIdle, Dependencies: []string{"a"}},
		{ID: "c", Status: domain.AgentPaused, Dependencies: []string{"a"}},
		{ID: "d", Status: domain.AgentIdle, Dependencies: []string{"b"}},
	}

	ready := Executable(agents, map[string]bool{"a": true})

	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("Ready = %v, want [b]", ids(ready))
	}
}

// gated is ready only when its own check says so
type gated struct {
	id    string
	ready bool
}

func (g gated) NodeID() string                         { return g.id }
func (g gated) DependsOn() []string                    { return nil }
func (g gated) IsPending() bool                        { return true }
func (g gated) PriorityRank() int                      { return 1 }
func (g gated) SortOrder() int                         { return 0 }
func (g gated) IsReady(completed map[string]bool) bool { return g.ready }

func TestExecutable_DelegatesToIsReady(t *testing.T) {
	nodes := []gated{{id: "open", ready: true}, {id: "closed"}}

	ready := Executable(nodes, nil)

	if len(ready) != 1 || ready[0].id != "open" {
		t.Errorf("Ready = %v, want [open]", ids(ready))
	}
}

func TestExecutable_TaskReadiness(t *testing.T) {
	tasks := []*domain.DecomposedTask{
		task("a", domain.TaskCompleted),
		task("b", domain.TaskPending, "a"),
		task("c", domain.TaskRunning),
		task("d", domain.TaskPending, "a", "b"),
	}
	completed := map[string]bool{"a": true}

	ready := Executable(tasks, completed)

	for _, tk := range tasks {
		want := tk.IsReady(completed)
		got := false
		for _, r := range ready {
			got = got || r.ID == tk.ID
		}
		if got != want {
			t.Errorf("task %s ready = %v, want %v", tk.ID, got, want)
		}
	}
}
