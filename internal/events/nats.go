package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes every event as JSON on <prefix>.<run id>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to a NATS server
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if prefix == "" {
		prefix = "autodev.events"
	}
	conn, err := nats.Connect(url, nats.Name("autodev"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(e Event) string {
	return Subject(s.prefix, e)
}

// Subject builds <prefix>.<run id>, using "global" for events without a run
func Subject(prefix string, e Event) string {
	token := e.RunID
	if token == "" {
		token = "global"
	}
	// subject tokens cannot contain separators or wildcards
	token = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(token)
	return prefix + "." + token
}

// Send implements Sink
func (s *NATSSink) Send(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(e), data)
}

// Close flushes and closes the connection
func (s *NATSSink) Close() error {
	if err := s.conn.Flush(); err != nil {
		s.conn.Close()
		return err
	}
	s.conn.Close()
	return nil
}
