// Package events fans job and order events out to websocket clients.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tw_autotrade/logging"
)

// Hub limits and timeouts
const (
	MaxClients     = 100
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	clientBuffer   = 64
	broadcastQueue = 256
)

// Event types
const (
	JobStarted  = "job_started"
	JobFinished = "job_finished"
	OrderStored = "order"
	Deployment  = "deployment"
)

// Event is one message on the feed.
type Event struct {
	Type   string    `json:"type"`
	Job    string    `json:"job,omitempty"`
	RunID  string    `json:"run_id,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	jobs map[string]bool // empty: every job
}

func (c *client) wants(e Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jobs) == 0 || e.Job == "" || c.jobs[e.Job]
}

// Hub owns the connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHub starts the hub loop. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logging.WithComponent("events"),
	}
	go h.run()
	return h
}

// Publish queues e for every interested client. It never blocks; events
// are dropped when the queue is full.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-h.shutdown:
	case h.broadcast <- e:
	default:
		h.logger.Warn().Str("type", e.Type).Msg("Event queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and stops the loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
		}
		h.clients = make(map[*client]bool)
		h.mu.Unlock()
		h.logger.Info().Msg("Event hub shut down")
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= MaxClients {
				h.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				c.conn.Close()
				continue
			}
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", n).Msg("Websocket client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error().Err(err).Str("type", e.Type).Msg("Failed to encode event")
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and streams events to it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= MaxClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), jobs: make(map[string]bool)}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles {"action":"subscribe"|"unsubscribe","jobs":[...]}.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("Websocket read error")
			}
			return
		}
		var cmd struct {
			Action string   `json:"action"`
			Jobs   []string `json:"jobs"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		c.mu.Lock()
		switch cmd.Action {
		case "subscribe":
			for _, j := range cmd.Jobs {
				c.jobs[j] = true
			}
		case "unsubscribe":
			for _, j := range cmd.Jobs {
				delete(c.jobs, j)
			}
		}
		c.mu.Unlock()
	}
}
