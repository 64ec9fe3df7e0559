package batch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/config"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
)

type fakeLauncher struct {
	mu   sync.Mutex
	runs map[string]*domain.PipelineRun
	reqs []pipeline.StartRequest
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{runs: make(map[string]*domain.PipelineRun)}
}

func (f *fakeLauncher) Start(req pipeline.StartRequest) (*domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	run := domain.NewPipelineRun(req.ProjectID, req.Requirement, req.Mode, 1)
	run.ID = fmt.Sprintf("run-%d", len(f.reqs))
	run.State = domain.RunExecuting
	f.runs[run.ID] = run
	return run.Clone(), nil
}

func (f *fakeLauncher) Get(id string) (*domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (f *fakeLauncher) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].State = domain.RunCompleted
}

func (f *fakeLauncher) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},
		{"@daily", false},
		{"@every 90s", false},
		{"invalid", true},
		{"* * * * * *", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSchedule_Validate(t *testing.T) {
	s := Schedule{Name: "nightly", Cron: "0 2 * * *", Requirement: "Update dependencies"}
	if err := s.Validate(); err != nil {
		t.Errorf("valid schedule should not error: %v", err)
	}

	s.Requirement = ""
	if err := s.Validate(); err == nil {
		t.Error("missing requirement should error")
	}

	s.Requirement = "x"
	s.Cron = "whenever"
	if err := s.Validate(); err == nil {
		t.Error("bad cron should error")
	}
}

func TestNewScheduler_RejectsDuplicates(t *testing.T) {
	s := Schedule{Name: "a", Cron: "@daily", Requirement: "x"}
	if _, err := NewScheduler(newFakeLauncher(), []Schedule{s, s}, nil); err == nil {
		t.Error("duplicate names should error")
	}
}

func TestFromConfig(t *testing.T) {
	got := FromConfig([]config.ScheduleConfig{{
		Name: "nightly", Cron: "@daily", Project: "shop", Requirement: "Refresh", Mode: "parallel",
	}})
	if len(got) != 1 || got[0].ProjectID != "shop" || got[0].Mode != domain.ModeParallel {
		t.Errorf("FromConfig = %+v", got)
	}
}

func TestScheduler_TriggerSkipsWhileActive(t *testing.T) {
	launcher := newFakeLauncher()
	sched, err := NewScheduler(launcher, []Schedule{{
		Name: "nightly", Cron: "0 2 * * *", ProjectID: "shop", Requirement: "Update dependencies",
	}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	run, err := sched.Trigger("nightly")
	if err != nil {
		t.Fatal(err)
	}
	if run.ProjectID != "shop" {
		t.Errorf("ProjectID = %q, want shop", run.ProjectID)
	}

	if _, err := sched.Trigger("nightly"); !errors.Is(err, ErrStillRunning) {
		t.Errorf("second trigger error = %v, want ErrStillRunning", err)
	}

	launcher.finish(run.ID)
	if _, err := sched.Trigger("nightly"); err != nil {
		t.Errorf("trigger after completion: %v", err)
	}
	if launcher.started() != 2 {
		t.Errorf("started %d runs, want 2", launcher.started())
	}

	if _, err := sched.Trigger("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Errorf("unknown schedule error = %v", err)
	}
}

func TestScheduler_List(t *testing.T) {
	sched, err := NewScheduler(newFakeLauncher(), []Schedule{
		{Name: "b", Cron: "0 22 * * *", Requirement: "x"},
		{Name: "a", Cron: "@hourly", Requirement: "y"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	list := sched.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("List = %+v", list)
	}
	for _, st := range list {
		if !st.Next.After(time.Now()) {
			t.Errorf("%s: next run %v should be in the future", st.Name, st.Next)
		}
	}
}

func TestScheduler_Fires(t *testing.T) {
	launcher := newFakeLauncher()
	sched, err := NewScheduler(launcher, []Schedule{{Name: "tick", Cron: "@every 1s", Requirement: "x"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for launcher.started() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
