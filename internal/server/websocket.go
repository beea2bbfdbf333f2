package server

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/metrics"
	"github.com/detectk/detectd/internal/task"
)

// Event types pushed over /ws/events.
const (
	EventRunReport = "run_report"
	EventHeartbeat = "heartbeat"
)

// Event is the envelope for every WebSocket message.
type Event struct {
	Type      string       `json:"type"`
	Report    *task.Report `json:"report,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	clientBuffer      = 16
)

// Hub fans run reports out to connected WebSocket clients. Slow clients are
// dropped rather than allowed to stall the broadcast loop.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*client]bool
	events  chan Event
	done    chan struct{}
	running bool
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub builds a hub that accepts connections from the given origins. An
// empty list admits same-host requests only.
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:     log,
		clients: map[*client]bool{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if len(allowed) == 0 {
			return u.Host == r.Host
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Start launches the broadcast loop. A stopped hub can be started again.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.events = make(chan Event, 64)
	h.done = make(chan struct{})
	go h.loop(h.events, h.done)
}

// Stop closes every client connection and ends the broadcast loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.done)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// BroadcastReport queues a finished run report for delivery. It never blocks
// the caller; with the queue full the report is dropped.
func (h *Hub) BroadcastReport(report *task.Report) {
	h.mu.Lock()
	events, running := h.events, h.running
	h.mu.Unlock()
	if !running {
		return
	}
	select {
	case events <- Event{Type: EventRunReport, Report: report, Timestamp: time.Now().UTC()}:
	default:
		h.log.Warn("event queue full, report dropped", zap.String("metric", report.MetricName))
	}
}

func (h *Hub) loop(events chan Event, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			h.broadcast(ev)
		case <-ticker.C:
			h.broadcast(Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
			metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
		default:
			// Stalled client, cut it loose.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade rejected", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientBuffer)}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	h.log.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go c.writePump()
	go h.readPump(c)
}

// readPump drains inbound frames so close and ping control messages are
// processed, and detaches the client when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.detach(c)
		_ = c.conn.Close()
		metrics.WebSocketConnections.Dec()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
	}
}

func (c *client) writePump() {
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		close(c.send)
		delete(h.clients, c)
	}
}
