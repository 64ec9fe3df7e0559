package api

import "encoding/json"

// Envelope wraps every WebSocket message with a type discriminator
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages whose payload is decoded by type
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Client -> server messages

// SubscribeMessage narrows the feed to one run; an empty RunID means all runs
type SubscribeMessage struct {
	RunID string `json:"run_id"`
}

// RunCommandMessage asks for cancel or resume of a run
type RunCommandMessage struct {
	RunID string `json:"run_id"`
}

// AgentCommandMessage pauses or resumes one sub-agent of a run
type AgentCommandMessage struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	// Context is appended to the agent's prompt on resume
	Context string `json:"context,omitempty"`
}

// Server -> client messages

// AckMessage confirms a command
type AckMessage struct {
	Command string `json:"command"`
	RunID   string `json:"run_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	// Agents is how many sub-agents a session-wide command affected
	Agents int `json:"agents,omitempty"`
}

// ErrorMessage reports a rejected message or command
type ErrorMessage struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// Message type constants
const (
	TypeSubscribe   = "subscribe"
	TypeCancel      = "cancel"
	TypeResume      = "resume"
	TypePauseAgent  = "pause_agent"
	TypeResumeAgent = "resume_agent"
	TypePing        = "ping"

	TypeEvent    = "event"
	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeError    = "error"
	TypePong     = "pong"
)
