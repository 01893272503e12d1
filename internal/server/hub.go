// Package server exposes the daemon's state over a local HTTP API and
// streams live fleet events to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/muxfleet/muxfleet/internal/events"
)

// feedBufferSize is the send/broadcast channel depth. Slow clients get this
// much slack before they are dropped.
const feedBufferSize = 256

// FeedMessage is the envelope every WebSocket frame carries.
type FeedMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Feed message types.
const (
	FeedSnapshot = "snapshot"
	FeedEvent    = "event"
)

// client is one connected WebSocket consumer.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast frames out to every connected client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

// NewHub creates an empty hub. Run must be started before clients attach.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, feedBufferSize),
	}
}

// Run owns the client set until ctx is cancelled. On exit every client's send
// channel is closed, which unwinds its write pump and connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastJSON marshals msg and queues it for every client.
func (h *Hub) BroadcastJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// BroadcastEvent sends one fleet event to every client.
func (h *Hub) BroadcastEvent(ev events.Event) {
	h.BroadcastJSON(FeedMessage{Type: FeedEvent, Data: ev})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump discards inbound frames until the peer goes away. The feed is
// one-directional.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		default:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send channel onto the connection.
func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
