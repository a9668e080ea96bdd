// Package bus is the in-process event hub with WebSocket fan-out.
// Publishes are best-effort and advisory; the store remains the source of
// truth, so clients reconcile by re-reading on connect.
package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Known topics.
const (
	TopicTaskStarted    = "task_started"
	TopicQueueProgress  = "queue_progress"
	TopicTaskComplete   = "task_complete"
	TopicVerifyProgress = "verify_progress"
	TopicAILookupUpdate = "ai_lookup_update"
)

// Event is one published message.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Bus fans events out to WebSocket clients and in-process subscribers.
type Bus struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan []byte
	subs   map[chan Event]struct{}
	closed bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Single-user tool; the admission filter already gates origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan []byte),
		subs:  make(map[chan Event]struct{}),
	}
}

// Publish sends an event to all current subscribers without blocking.
// Slow or dead receivers are dropped silently.
func (b *Bus) Publish(topic string, data interface{}) {
	ev := Event{Type: topic, Data: data}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.conns {
		select {
		case ch <- payload:
		default:
			// Backed-up client: disconnect rather than block the publisher.
			close(ch)
			delete(b.conns, conn)
			conn.Close()
		}
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered channel of events for in-process consumers
// (workers and tests). Call the returned cancel func when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// ServeWS upgrades the request and registers the connection until it
// drops. Incoming frames are read and discarded to detect disconnects.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 256)
	b.mu.Lock()
	b.conns[conn] = send
	b.mu.Unlock()

	go func() {
		for payload := range send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				break
			}
		}
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.mu.Lock()
	if ch, ok := b.conns[conn]; ok {
		close(ch)
		delete(b.conns, conn)
	}
	b.mu.Unlock()
	conn.Close()
}

// Close disconnects every client.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for conn, ch := range b.conns {
		close(ch)
		conn.Close()
		delete(b.conns, conn)
	}
}
