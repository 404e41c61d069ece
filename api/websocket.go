package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsawler/repviz/monitor"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

// Message types sent and accepted on the live stream.
const (
	MessageSubscribe        = "subscribe"
	MessagePing             = "ping"
	MessagePong             = "pong"
	MessageError            = "error"
	MessageArtifactsChanged = "artifacts_changed"
)

// WSMessage is the websocket message envelope.
type WSMessage struct {
	Type      string   `json:"type"`
	Model     string   `json:"model,omitempty"`
	Data      any      `json:"data,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Models    []string `json:"models,omitempty"` // subscribe filter
}

// Client is one live-stream connection. A client with no model filter
// receives every message.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	models map[string]bool
}

func (c *Client) wants(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models) == 0 || model == "" || c.models[model]
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.enqueue(WSMessage{Type: MessageError, Data: Error{Code: "INVALID_ARGUMENT", Message: "failed to parse message"}})
		return
	}
	switch msg.Type {
	case MessageSubscribe:
		c.mu.Lock()
		c.models = make(map[string]bool, len(msg.Models))
		for _, m := range msg.Models {
			c.models[m] = true
		}
		c.mu.Unlock()
	case MessagePing:
		c.enqueue(WSMessage{Type: MessagePong})
	default:
		c.hub.logger.Debug("unknown websocket message", slog.String("type", msg.Type))
	}
}

func (c *Client) enqueue(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans live messages out to connected clients. Publishing never blocks:
// a client whose buffer is full misses the message.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

// NewHub creates a hub accepting websocket origins from allowedOrigins; an
// empty list accepts same-host requests only.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger,
		clients: make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil // gorilla's default same-origin check
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin] || origin == "http://"+r.Host
	}
}

// ServeHTTP upgrades the request and starts the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", slog.Int("clients", count))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client interested in its model.
func (h *Hub) Broadcast(msg WSMessage) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(msg.Model) {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
	return nil
}

// Publish forwards a monitor event.
func (h *Hub) Publish(e monitor.Event) {
	if err := h.Broadcast(WSMessage{Type: e.Type, Model: e.Model, Data: e}); err != nil {
		h.logger.Warn("failed to publish event", slog.String("error", err.Error()))
	}
}

// Attach streams every event of m until the returned function is called.
func (h *Hub) Attach(m *monitor.Monitor) func() {
	return m.Subscribe(h.Publish)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
