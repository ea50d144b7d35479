// Package notify is the WebSocket fan-out hub bridging the
// scheduler's worker goroutine to each user's /ws/status connections.
// Each connection gets its own writePump goroutine reading off a
// buffered per-connection send channel, so one slow reader never
// blocks delivery to the rest.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn is one accepted WebSocket, pumping outbound events in the
// order Notify enqueued them (FIFO per socket; no ordering guarantee
// across a user's simultaneous sockets).
type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	ownerID string
}

// Hub tracks every live connection per owner and is the concrete
// scheduler.Notifier this system wires into the scheduler.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*conn]bool
}

// New builds an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, conns: make(map[string]map[*conn]bool)}
}

// ServeWS upgrades the request and registers the connection under
// ownerID, then blocks pumping inbound frames (discarded, since this
// channel is server push only) until the peer disconnects.
// Disconnecting a socket never cancels the owner's in-flight jobs.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &conn{ws: ws, send: make(chan []byte, sendBuffer), ownerID: ownerID}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
	return nil
}

// betaGateCloseCode is the custom WebSocket close code clients use to
// distinguish "beta access required" from a generic disconnect.
const betaGateCloseCode = 4401

// RejectUnauthorized completes the WebSocket handshake (so the peer
// gets a clean close frame instead of a bare TCP reset) and
// immediately closes with betaGateCloseCode, never registering the
// connection.
func (h *Hub) RejectUnauthorized(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	msg := websocket.FormatCloseMessage(betaGateCloseCode, "beta access required")
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.CloseMessage, msg)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.ownerID]
	if !ok {
		set = make(map[*conn]bool)
		h.conns[c.ownerID] = set
	}
	set[c] = true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.ownerID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.conns, c.ownerID)
	}
}

// readPump discards inbound client frames; its only job is to detect
// disconnect and keep the read deadline alive via pong frames.
func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Notify implements scheduler.Notifier: it is called from the
// scheduler's single worker goroutine and must never block on a slow
// or wedged peer, so delivery to each connection's own buffered
// channel is best-effort (a full buffer drops the event for that
// socket rather than stalling job processing).
func (h *Hub) Notify(ownerID string, event map[string]any) {
	h.SendToUser(ownerID, event)
}

// SendToUser fans event out to every socket currently registered for
// ownerID.
func (h *Hub) SendToUser(ownerID string, event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("notify marshal failed", "owner", ownerID, "err", err)
		return
	}

	h.mu.Lock()
	set := h.conns[ownerID]
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping event, socket send buffer full", "owner", ownerID)
		}
	}
}

// ConnectionCount reports how many live sockets ownerID currently has.
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[ownerID])
}
