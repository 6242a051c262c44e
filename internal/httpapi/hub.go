package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posedge/fleet/internal/aggregator"
	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 32
)

// alertEnvelope is the wire frame pushed to dashboard subscribers.
type alertEnvelope struct {
	Kind  string      `json:"kind"`
	Alert alert.Alert `json:"alert"`
}

// Hub fans alert lifecycle transitions out to websocket subscribers.
// Broadcasts never block ingestion: a subscriber that cannot keep up is
// dropped.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

var _ aggregator.Notifier = (*Hub)(nil)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds an alert fan-out hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("alert-hub")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// AlertOpened implements aggregator.Notifier.
func (h *Hub) AlertOpened(a alert.Alert) {
	h.broadcast(alertEnvelope{Kind: "alert.opened", Alert: a})
}

// AlertClosed implements aggregator.Notifier.
func (h *Hub) AlertClosed(a alert.Alert) {
	h.broadcast(alertEnvelope{Kind: "alert.closed", Alert: a})
}

func (h *Hub) broadcast(env alertEnvelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.WithError(err).Error("encode alert frame failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer; disconnect rather than stall the fleet.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeWS upgrades the connection and subscribes it to the alert feed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithField("subscribers", n).Debug("alert subscriber connected")

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// readPump drains inbound frames. The feed is one-way; reads only serve
// to notice disconnects and answer pings.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
