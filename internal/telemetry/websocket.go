package telemetry

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// WebsocketHub pushes each payload as a text frame to every connected
// plain websocket client.
type WebsocketHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	last    []byte
}

func NewWebsocketHub() *WebsocketHub {
	return &WebsocketHub{clients: make(map[*wsClient]struct{})}
}

func (h *WebsocketHub) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the client until it goes away.
func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: websocket upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	last := h.last
	h.mu.Unlock()
	log.Printf("telemetry: websocket client connected from %s", r.RemoteAddr)

	if last != nil {
		if err := client.send(last); err != nil {
			h.remove(client)
			return
		}
	}

	// incoming messages are ignored; the read fails once the peer closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(client)
}

func (h *WebsocketHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		log.Printf("telemetry: websocket client %s disconnected", c.conn.RemoteAddr())
	}
}

// Clients returns the number of connected clients.
func (h *WebsocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends payload to every client. Clients that fail a write are
// dropped; that is not reported as a sink failure.
func (h *WebsocketHub) Publish(_ context.Context, payload []byte) error {
	h.mu.Lock()
	h.last = payload
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(payload); err != nil {
			log.Printf("telemetry: websocket write to %s failed: %v", c.conn.RemoteAddr(), err)
			h.remove(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *WebsocketHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.conn.Close()
	}
}
