package events

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives every event after fan-out, e.g. a message broker
type Sink interface {
	Send(Event) error
	Close() error
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Hub manages subscribers and sinks. All bookkeeping happens on the hub goroutine.
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan Event
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	closeOnce  sync.Once

	sinks  []Sink
	seq    uint64
	logger *slog.Logger
}

// NewHub creates a hub and starts its loop
func NewHub(logger *slog.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		sinks:      sinks,
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.ch)
				delete(h.clients, client)
			}
			for _, s := range h.sinks {
				if err := s.Close(); err != nil {
					h.logger.Warn("closing event sink", "error", err)
				}
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.ch)
			}

		case event := <-h.broadcast:
			h.seq++
			event.Seq = h.seq
			for client := range h.clients {
				if client.filter != nil && !client.filter(event) {
					continue
				}
				select {
				case client.ch <- event:
				default:
					// slow consumer: disconnect rather than block publishers
					h.logger.Warn("dropping slow event subscriber")
					close(client.ch)
					delete(h.clients, client)
				}
			}
			for _, s := range h.sinks {
				if err := s.Send(event); err != nil {
					h.logger.Warn("event sink failed", "error", err)
				}
			}
		}
	}
}

// Publish queues an event for fan-out. It never blocks once the hub is closed.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Subscribe registers a subscriber with the given channel buffer. filter may
// be nil. The returned cancel func unsubscribes; the channel is closed when
// the subscription ends.
func (h *Hub) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
		return sub.ch, func() {}
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			select {
			case h.unregister <- sub:
			case <-h.done:
			}
		})
	}
}

// ForRun returns a filter matching events of one run
func ForRun(runID string) func(Event) bool {
	return func(e Event) bool { return e.RunID == runID }
}

// Close stops the hub, closing every subscription and sink
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
