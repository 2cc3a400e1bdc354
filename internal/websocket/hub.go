package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Outcome types carried in DeliveryEvent.Type.
const (
	TypeDeliverySuccess      = "delivery_success"
	TypeDeliveryFailed       = "delivery_failed"
	TypeDeliveryRetrying     = "delivery_retrying"
	TypeDeliveryDeadLettered = "delivery_dead_lettered"
)

// DeliveryEvent is one delivery outcome pushed to operator clients.
type DeliveryEvent struct {
	Type           string    `json:"type"`
	Tenant         string    `json:"tenant"`
	EventUUID      string    `json:"event_uuid"`
	EventType      string    `json:"event_type"`
	Subscription   string    `json:"subscription"`
	DeliveryMethod string    `json:"delivery_method"`
	Address        string    `json:"address"`
	Attempt        int       `json:"attempt"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseMs     int64     `json:"response_ms"`
	Error          string    `json:"error,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitzero"`
	Timestamp      time.Time `json:"timestamp"`
}

type outbound struct {
	tenant string
	data   []byte
}

// Hub fans delivery outcomes out to connected websocket clients. A client
// connecting with ?tenant=<id> only receives that tenant's outcomes.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	tenant string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "tenant", c.tenant, "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", total)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// fanOut drops clients whose buffers are full instead of blocking the loop.
func (h *Hub) fanOut(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.tenant != "" && c.tenant != msg.tenant {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow websocket client", "tenant", c.tenant)
		}
	}
}

// Broadcast queues a delivery outcome. It never blocks; outcomes are
// dropped when the queue is full.
func (h *Hub) Broadcast(event DeliveryEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{tenant: event.Tenant, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "event_uuid", event.EventUUID)
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		tenant: r.URL.Query().Get("tenant"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only consumes control frames; clients never send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
