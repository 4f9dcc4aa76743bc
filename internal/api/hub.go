package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prologueii14/pqctls/internal/probe"
	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/rs/zerolog"
)

const (
	writeWait = 2 * time.Second
	// sendBuffer is how many events a client may fall behind before it is
	// dropped.
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	// The stream is read-only progress for local tooling.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket subscriber. Its writer goroutine owns conn.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer)}
}

// stop ends the writer goroutine, which then closes the connection.
func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub fans run events out to websocket clients. It implements
// stats.Listener. Broadcast never waits on a client: each client has its
// own queue and writer, and a client whose queue is full is dropped.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and registers the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn)
	h.register(c)
	go h.writePump(c)
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Msg("dropping websocket client")
			h.remove(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Broadcast queues e for every connected client.
func (h *Hub) Broadcast(e probe.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode run event")
		return
	}

	var slow []*client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Debug().Msg("websocket client fell behind, dropping it")
		c.stop()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.stop()
	}
}

func (h *Hub) RunStarted(s stats.RunStatistics) {
	h.Broadcast(probe.NewEvent(probe.KindStarted, s, time.Now()))
}

func (h *Hub) Progress(s stats.RunStatistics, _ stats.Tally) {
	h.Broadcast(probe.NewEvent(probe.KindProgress, s, time.Now()))
}

func (h *Hub) RunFinished(s stats.RunStatistics) {
	h.Broadcast(probe.NewEvent(probe.KindFinished, s, time.Now()))
}
