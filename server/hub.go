package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/chronos/pulse/jobs"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send pongs and close frames
	maxMessageSize = 512

	// Buffered events per client before it is considered slow
	clientSendBuffer = 256
)

// Event types streamed on /ws
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// RunEvent is the JSON frame sent to WebSocket clients.
type RunEvent struct {
	Type      string   `json:"type"`
	Run       jobs.Run `json:"run"`
	Timestamp int64    `json:"timestamp"`
}

// Hub fans run lifecycle events out to connected WebSocket clients.
// It implements async.Broadcaster.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *RunEvent
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	drops      atomic.Int64
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan *RunEvent
	id        string
	closeOnce sync.Once
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *RunEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 2048,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Run owns client registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Debugw("Hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev *RunEvent) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			h.drops.Add(1)
			h.logger.Warnw("Client send channel full, removing client",
				"client_id", c.id,
				"total_drops", h.drops.Load(),
			)
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many events were not delivered to slow clients
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// BroadcastRunStarted publishes a run.started event
func (h *Hub) BroadcastRunStarted(run jobs.Run) {
	h.publish(EventRunStarted, run)
}

// BroadcastRunFinished publishes a run.finished event
func (h *Hub) BroadcastRunFinished(run jobs.Run) {
	h.publish(EventRunFinished, run)
}

// publish never blocks the executor; a full queue drops the event.
func (h *Hub) publish(eventType string, run jobs.Run) {
	ev := &RunEvent{Type: eventType, Run: run, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- ev:
	default:
		h.drops.Add(1)
		h.logger.Warnw("Broadcast queue full, dropping run event",
			"type", eventType,
			"run_id", run.ID,
		)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err.Error())
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan *RunEvent, clientSendBuffer),
		id:   fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
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

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump discards client frames and keeps the read deadline fresh.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err.Error())
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debugw("Event write error", "client_id", c.id, "error", err.Error())
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
