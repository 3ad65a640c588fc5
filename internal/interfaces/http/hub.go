package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/interfaces"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is the envelope pushed to websocket clients.
type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams engine events and regime changes to websocket clients. A client
// that cannot keep up is disconnected rather than slowing the publisher.
type Hub struct {
	logger *logrus.Entry

	lock    sync.Mutex
	clients map[*client]struct{}
}

var (
	_ interfaces.EventPublisher  = (*Hub)(nil)
	_ interfaces.RegimePublisher = (*Hub)(nil)
)

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger.WithField("component", "ws_hub"),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, event events.Event) error {
	return h.broadcast(streamMessage{Type: "event", Data: event})
}

func (h *Hub) PublishRegime(_ context.Context, snap regime.Snapshot) error {
	return h.broadcast(streamMessage{Type: "regime", Data: snap})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(msg streamMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("slow websocket client dropped")
		}
	}
	return nil
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
