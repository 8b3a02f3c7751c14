package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans pipeline events out to connected WebSocket clients. Clients
// that cannot keep up are disconnected rather than blocking the pipeline.
type Hub struct {
	config     Config
	logger     *zap.Logger
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
}

// NewHub creates an event hub.
func NewHub(config Config, logger *zap.Logger) *Hub {
	return &Hub{
		config:     config,
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes registrations and broadcasts until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("Event client connected",
				zap.String("client_ip", c.ip),
				zap.Int("active_clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("Event client disconnected",
					zap.String("client_ip", c.ip),
					zap.Int("active_clients", len(h.clients)))
			}

		case event := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					h.logger.Warn("Event client send buffer full, dropping client",
						zap.String("client_ip", c.ip))
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast queues an event for delivery to all clients. Events of a
// type disabled by configuration are dropped silently; a full broadcast
// queue drops the event rather than blocking the caller.
func (h *Hub) Broadcast(event Event) {
	if !h.enabled(event.Type) {
		return
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Event broadcast queue full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) enabled(t EventType) bool {
	if !h.config.Enabled {
		return false
	}
	switch t {
	case EventTypeJobStatus:
		return h.config.BroadcastJobs
	case EventTypeDetection:
		return h.config.BroadcastDetection
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	default:
		return false
	}
}

// HandleWebSocket upgrades the request and attaches the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Event, 256),
		ip:   clientIP(r),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write event", zap.Error(err))
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

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
