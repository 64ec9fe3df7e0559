// Package events fans out run and agent status changes to subscribers
// (SSE, WebSocket, in-process) and optional external sinks.
package events

import (
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// Kind classifies an event
type Kind string

const (
	KindRunState     Kind = "run_state"
	KindRunLog       Kind = "run_log"
	KindTaskUpdate   Kind = "task_update"
	KindBuildAttempt Kind = "build_attempt"
	KindAgentUpdate  Kind = "agent_update"
	KindSession      Kind = "session_update"
)

// Event is one entry of the status feed
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	RunID     string          `json:"run_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Level     domain.LogLevel `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Phase     domain.Phase    `json:"phase,omitempty"`
	State     string          `json:"state,omitempty"`
	Data      interface{}     `json:"data,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

// Publish implements Publisher
func (f PublisherFunc) Publish(e Event) { f(e) }
