// Package notify tells people when a pipeline run stops.
package notify

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// Level is the tone of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Notification is one message to deliver. The run fields are optional and
// only set for run notifications.
type Notification struct {
	Title     string
	Message   string
	Level     Level
	RunID     string
	ProjectID string

	State           domain.RunState
	Phase           domain.Phase
	TasksCompleted  int
	TasksTotal      int
	BuildAttempts   int
	HealingAttempts int
	Usage           domain.Usage
}

// Notifier delivers notifications
type Notifier interface {
	Send(n Notification) error
}

// Multi sends to several notifiers, returning the last error
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that sends to all provided notifiers
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Send delivers to every notifier even if one fails
func (m *Multi) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Noop discards notifications
type Noop struct{}

func (Noop) Send(Notification) error { return nil }

// ForRun describes a run that reached a terminal or paused state
func ForRun(run *domain.PipelineRun) Notification {
	n := Notification{
		RunID:           run.ID,
		ProjectID:       run.ProjectID,
		Message:         run.Summary,
		State:           run.State,
		Phase:           run.Phase,
		TasksCompleted:  run.TaskCounts()[domain.TaskCompleted],
		TasksTotal:      len(run.Tasks),
		BuildAttempts:   len(run.BuildAttempts),
		HealingAttempts: run.HealingAttempts,
		Usage:           run.TotalUsage(),
	}
	switch run.State {
	case domain.RunCompleted:
		n.Level = LevelSuccess
		n.Title = "Run completed"
	case domain.RunFailed:
		n.Level = LevelError
		n.Title = "Run failed"
	case domain.RunCancelled, domain.RunPaused:
		n.Level = LevelWarning
		n.Title = "Run " + string(run.State)
	default:
		n.Title = "Run " + string(run.State)
	}
	if run.ProjectID != "" {
		n.Title = fmt.Sprintf("%s: %s", n.Title, run.ProjectID)
	}
	if n.Message == "" {
		n.Message = firstLine(run.Requirement)
	}
	return n
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
