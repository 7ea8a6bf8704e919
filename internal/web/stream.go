package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// StreamEvent is pushed to UI subscribers for every alert the node records.
type StreamEvent struct {
	Type       string            `json:"type"`
	Alert      protocol.Envelope `json:"alert"`
	From       protocol.PeerID   `json:"from,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// StreamHub fans alerts out to websocket subscribers.
type StreamHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	subs     map[*websocket.Conn]struct{}
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]struct{}),
	}
}

func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	slog.Debug("Stream subscriber connected", "remote", r.RemoteAddr)
	go h.readLoop(c)
}

// Subscribers returns the number of open streams.
func (h *StreamHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends a to every subscriber, dropping those that fail.
func (h *StreamHub) Broadcast(a relay.Alert) {
	ev := StreamEvent{Type: "alert", Alert: a.Envelope, From: a.From, ReceivedAt: a.ReceivedAt}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(ev); err != nil {
			c.Close()
			delete(h.subs, c)
		}
	}
}

func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		c.Close()
		delete(h.subs, c)
	}
}

// readLoop discards client messages and notices disconnects.
func (h *StreamHub) readLoop(c *websocket.Conn) {
	defer h.drop(c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHub) drop(c *websocket.Conn) {
	c.Close()
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
}
