// Package eventfeed streams order lifecycle events to WebSocket subscribers.
// Operators and user-facing frontends attach to /ws and receive every
// execution, failure, expiry and slippage abort as it happens.
package eventfeed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matching-enginev1/internal/notification"
)

const recentBufferSize = 64

// Envelope is the wire format for one feed message.
type Envelope struct {
	Seq      int64             `json:"seq"`
	Type     string            `json:"type"`
	OrderID  string            `json:"order_id"`
	Username string            `json:"username"`
	Payload  map[string]string `json:"payload,omitempty"`
	TS       string            `json:"ts"`
	Replay   bool              `json:"replay,omitempty"`
}

// Hub fans order events out to connected WebSocket clients. It keeps a small
// ring of recent events so a reconnecting client can see what it missed.
// Implements notification.Notifier, so it plugs into the same fan-out as
// webhook and Telegram.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	recent  *replayRing
	seq     int64

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		recent:  newReplayRing(recentBufferSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is operator-facing and carries no credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Send implements notification.Notifier by broadcasting the event.
func (h *Hub) Send(_ context.Context, ev notification.Event) error {
	h.Broadcast(ev)
	return nil
}

// Broadcast serializes the event and queues it to every connected client.
// Slow clients drop messages rather than stall the hub.
func (h *Hub) Broadcast(ev notification.Event) {
	h.mu.Lock()
	h.seq++
	env := Envelope{
		Seq:      h.seq,
		Type:     string(ev.Type),
		OrderID:  ev.OrderID,
		Username: ev.Username,
		Payload:  ev.Payload,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	h.recent.Push(env)

	msg, err := json.Marshal(env)
	if err != nil {
		h.mu.Unlock()
		log.Printf("[eventfeed] envelope marshal failed: %v", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("[eventfeed] dropping event for slow client")
		}
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and attaches the client to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[eventfeed] ws upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, hub: h, send: make(chan []byte, 256)}
	// Queue the replay and register under one critical section: Broadcast
	// holds the same lock, so a concurrent event either lands in the ring
	// (and is replayed) or is delivered live after registration — never
	// both, and never ahead of the replayed backlog.
	h.mu.Lock()
	c.queueReplay(h.recent.All())
	h.clients[c] = true
	h.mu.Unlock()
	log.Printf("[eventfeed] ws client connected (%d total)", h.ClientCount())

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Recent returns a copy of the replay ring, oldest first.
func (h *Hub) Recent() []Envelope {
	return h.recent.All()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
