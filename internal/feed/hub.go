// Package feed pushes engine events to UI clients over WebSocket.
//
// Every event on the engine bus becomes one JSON text frame:
//
//	{"event": "sync_completed", "payload": {...}, "timestamp": "2024-01-01T12:00:00Z"}
//
// Clients are write-only subscribers; anything they send is discarded. A
// client whose send buffer fills up is disconnected rather than allowed to
// stall the engine.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/shelfsync/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// DefaultSendBuffer is the number of frames queued per client.
	DefaultSendBuffer = 64
)

// Source is the engine surface the hub needs.
type Source interface {
	Subscribe(fn func(engine.Event)) (unsubscribe func())
	OfflineStatus() engine.OfflineStatus
}

// Frame is the wire form of one event.
type Frame struct {
	Event     string       `json:"event"`
	Payload   engine.Event `json:"payload"`
	Timestamp string       `json:"timestamp"`
}

// Hub fans engine events out to connected WebSocket clients.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	source   Source
	now      func() time.Time
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	unsubscribe func()
}

// Option configures a Hub.
type Option func(*Hub)

// WithNow sets the clock used for frame timestamps.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithSendBuffer sets the per-client frame buffer.
//
// Default: DefaultSendBuffer
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check. The default
// accepts same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub creates a hub following src's events.
func NewHub(src Source, opts ...Option) *Hub {
	h := &Hub{
		source:  src,
		now:     time.Now,
		buffer:  DefaultSendBuffer,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.unsubscribe = src.Subscribe(h.broadcast)
	return h
}

// ServeHTTP serves GET /status with the offline status and upgrades every
// other request to a WebSocket event stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/status" {
		h.serveStatus(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, h.buffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	slog.Info("feed client connected", "remote_addr", r.RemoteAddr, "clients", h.Len())

	go c.writePump()
	go c.readPump()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops following the engine and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	h.unsubscribe()
	for c := range clients {
		close(c.send)
	}
}

func (h *Hub) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.source.OfflineStatus()); err != nil {
		slog.Warn("feed status write failed", "error", err)
	}
}

func (h *Hub) broadcast(e engine.Event) {
	data, err := json.Marshal(Frame{
		Event:     e.Name(),
		Payload:   e,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("feed frame not encoded", "event", e.Name(), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			slog.Warn("feed client too slow, disconnecting", "event", e.Name())
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
