package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
)

const writeWait = 10 * time.Second

// wsHandler streams events as envelopes and accepts subscribe, run and agent
// commands, and ping messages
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.serveWebSocket(conn, r.URL.Query().Get("run"))
	}
}

func (s *Server) serveWebSocket(conn *websocket.Conn, runID string) {
	defer conn.Close()

	var current atomic.Pointer[string]
	current.Store(&runID)
	feed, cancel := s.hub.Subscribe(256, func(e events.Event) bool {
		id := *current.Load()
		return id == "" || e.RunID == id
	})
	defer cancel()

	out := make(chan []byte, 16)
	done := make(chan struct{})
	defer close(done)
	go s.wsWriter(conn, feed, out, done)

	send := func(msgType string, payload interface{}) {
		data, err := MarshalEnvelope(msgType, payload)
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-done:
		}
	}

	readTimeout := 3 * s.opts.Heartbeat
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			send(TypeError, ErrorMessage{Message: "invalid message: " + err.Error()})
			continue
		}

		switch env.Type {
		case TypePing:
			send(TypePong, nil)

		case TypeSubscribe:
			var sub SubscribeMessage
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &sub); err != nil {
					send(TypeError, ErrorMessage{Command: env.Type, Message: err.Error()})
					continue
				}
			}
			id := sub.RunID
			current.Store(&id)
			if id == "" {
				send(TypeAck, AckMessage{Command: env.Type})
				continue
			}
			run, err := s.runs.Get(id)
			if err != nil {
				send(TypeError, ErrorMessage{Command: env.Type, Message: err.Error()})
				continue
			}
			send(TypeSnapshot, run)

		case TypeCancel, TypeResume:
			var cmd RunCommandMessage
			if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.RunID == "" {
				send(TypeError, ErrorMessage{Command: env.Type, Message: "run_id is required"})
				continue
			}
			if env.Type == TypeCancel {
				err = s.runs.Cancel(cmd.RunID)
			} else {
				_, err = s.runs.Resume(cmd.RunID)
			}
			if err != nil {
				send(TypeError, ErrorMessage{Command: env.Type, Message: err.Error()})
				continue
			}
			send(TypeAck, AckMessage{Command: env.Type, RunID: cmd.RunID})

		case TypePauseAgent, TypeResumeAgent:
			var cmd AgentCommandMessage
			if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.RunID == "" || cmd.AgentID == "" {
				send(TypeError, ErrorMessage{Command: env.Type, Message: "run_id and agent_id are required"})
				continue
			}
			if env.Type == TypePauseAgent {
				err = s.runs.PauseAgent(cmd.RunID, cmd.AgentID)
			} else {
				err = s.runs.ResumeAgent(cmd.RunID, cmd.AgentID, cmd.Context)
			}
			if err != nil {
				send(TypeError, ErrorMessage{Command: env.Type, Message: err.Error()})
				continue
			}
			send(TypeAck, AckMessage{Command: env.Type, RunID: cmd.RunID, AgentID: cmd.AgentID})

		default:
			send(TypeError, ErrorMessage{Command: env.Type, Message: "unknown message type"})
		}
	}
}

// wsWriter is the only goroutine writing to conn
func (s *Server) wsWriter(conn *websocket.Conn, feed <-chan events.Event, out <-chan []byte, done <-chan struct{}) {
	ping := time.NewTicker(s.opts.Heartbeat)
	defer ping.Stop()

	write := func(msgType int, data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(msgType, data); err != nil {
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case data := <-out:
			if !write(websocket.TextMessage, data) {
				return
			}
		case event, ok := <-feed:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				conn.Close()
				return
			}
			data, err := MarshalEnvelope(TypeEvent, event)
			if err != nil {
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
