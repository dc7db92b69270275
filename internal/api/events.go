package api

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Payload is the structure of event-feed messages.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Hub fans event messages out to all connected WebSocket clients.
type Hub struct {
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	done      chan struct{}
	once      sync.Once
}

// NewHub creates an idle hub. Call Run to start delivery.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Run starts the delivery goroutine.
func (h *Hub) Run() {
	go h.deliver()
}

// Close disconnects all clients and stops delivery.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// Broadcast queues a message for all connected clients. Messages are
// dropped when the queue is full; the feed is advisory.
func (h *Hub) Broadcast(kind string, body any) {
	msg, err := json.Marshal(Payload{Kind: kind, Body: body})
	if err != nil {
		log.Printf("[api] encode event: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Serve upgrades the request to a WebSocket and registers the client.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] ws upgrade: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) deliver() {
	for {
		select {
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}
