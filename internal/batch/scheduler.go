// Package batch starts pipeline runs on cron schedules.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/autodev-orchestrator/internal/config"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
)

// ErrStillRunning is returned when a schedule fires while its previous run is active
var ErrStillRunning = errors.New("previous run of this schedule is still active")

// ErrUnknownSchedule is returned for a schedule name that is not configured
var ErrUnknownSchedule = errors.New("unknown schedule")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Schedule starts the same requirement periodically
type Schedule struct {
	Name        string
	Cron        string
	ProjectID   string
	Requirement string
	WorkingDir  string
	Mode        domain.ExecutionMode
}

// FromConfig converts the [[schedules]] config entries
func FromConfig(entries []config.ScheduleConfig) []Schedule {
	out := make([]Schedule, 0, len(entries))
	for _, e := range entries {
		out = append(out, Schedule{
			Name:        e.Name,
			Cron:        e.Cron,
			ProjectID:   e.Project,
			Requirement: e.Requirement,
			WorkingDir:  e.WorkDir,
			Mode:        domain.ExecutionMode(e.Mode),
		})
	}
	return out
}

// Validate checks if the schedule is usable
func (s Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Requirement == "" {
		return fmt.Errorf("schedule %s: requirement is required", s.Name)
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", s.Name, err)
	}
	return nil
}

// Launcher starts and looks up runs; *pipeline.Manager implements it
type Launcher interface {
	Start(req pipeline.StartRequest) (*domain.PipelineRun, error)
	Get(id string) (*domain.PipelineRun, error)
}

// Status describes one schedule for listings
type Status struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Next      time.Time `json:"next"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastFired time.Time `json:"last_fired,omitempty"`
}

// Scheduler fires schedules through a Launcher
type Scheduler struct {
	cron     *cron.Cron
	launcher Launcher
	logger   *slog.Logger

	mu        sync.Mutex
	schedules map[string]Schedule
	entries   map[string]cron.EntryID
	lastRun   map[string]string
	lastFired map[string]time.Time
}

// NewScheduler validates the schedules and registers them; call Start to begin firing
func NewScheduler(launcher Launcher, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		launcher:  launcher,
		logger:    logger,
		schedules: make(map[string]Schedule),
		entries:   make(map[string]cron.EntryID),
		lastRun:   make(map[string]string),
		lastFired: make(map[string]time.Time),
	}

	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.schedules[sched.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sched.Name)
		}
		name := sched.Name
		id, err := s.cron.AddFunc(sched.Cron, func() { s.fire(name) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		s.schedules[name] = sched
		s.entries[name] = id
	}
	return s, nil
}

func (s *Scheduler) fire(name string) {
	run, err := s.Trigger(name)
	switch {
	case errors.Is(err, ErrStillRunning):
		s.logger.Info("schedule skipped, previous run still active", "schedule", name)
	case err != nil:
		s.logger.Error("scheduled run failed to start", "schedule", name, "error", err)
	default:
		s.logger.Info("scheduled run started", "schedule", name, "run", run.ID)
	}
}

// Trigger starts the schedule's run now unless its previous run is still active
func (s *Scheduler) Trigger(name string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	if last := s.lastRun[name]; last != "" {
		prev, err := s.launcher.Get(last)
		if err == nil && (prev.State.IsActive() || prev.State == domain.RunIdle) {
			return nil, fmt.Errorf("%w: %s (run %s)", ErrStillRunning, name, last)
		}
	}

	run, err := s.launcher.Start(pipeline.StartRequest{
		ProjectID:   sched.ProjectID,
		Requirement: sched.Requirement,
		WorkingDir:  sched.WorkingDir,
		Mode:        sched.Mode,
	})
	if err != nil {
		return nil, err
	}
	s.lastRun[name] = run.ID
	s.lastFired[name] = time.Now()
	return run, nil
}

// NextRun returns the next time the schedule fires, zero if unknown
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	sched, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	parsed, err := ParseCron(sched.Cron)
	if err != nil {
		return time.Time{}
	}
	return parsed.Next(time.Now())
}

// List returns all schedules sorted by name
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		s.mu.Lock()
		st := Status{
			Name:      name,
			Cron:      s.schedules[name].Cron,
			LastRunID: s.lastRun[name],
			LastFired: s.lastFired[name],
		}
		s.mu.Unlock()
		st.Next = s.NextRun(name)
		out = append(out, st)
	}
	return out
}

// Start begins firing schedules in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("batch scheduler started", "schedules", len(s.schedules))
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// firing jobs to return
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs return
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
