// Package websocket serves the agent duplex channel and the dashboard event
// stream.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/events"
	"github.com/kandev/tabrelay/internal/events/bus"
)

// Watcher is a dashboard connection receiving relay events.
type Watcher struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// Hub fans relay bus events out to every connected watcher.
type Hub struct {
	watchers map[*Watcher]bool

	register   chan *Watcher
	unregister chan *Watcher
	broadcast  chan []byte
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. Call Run to start it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		watchers:   make(map[*Watcher]bool),
		register:   make(chan *Watcher),
		unregister: make(chan *Watcher),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Attach subscribes the hub to every relay subject on b.
func (h *Hub) Attach(b bus.EventBus) (bus.Subscription, error) {
	return b.Subscribe(events.AllRelay, func(_ context.Context, e *bus.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- data:
		case <-h.done:
		default:
			h.logger.Warn("dropping event, hub backlog full", zap.String("subject", e.Type))
		}
		return nil
	})
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub started")
	defer h.logger.Info("event hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case w := <-h.register:
			h.mu.Lock()
			h.watchers[w] = true
			h.mu.Unlock()
			h.logger.Debug("watcher registered", zap.String("watcher_id", w.ID))

		case w := <-h.unregister:
			h.remove(w)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for w := range h.watchers {
		close(w.send)
		delete(h.watchers, w)
	}
}

func (h *Hub) remove(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watchers[w]; ok {
		delete(h.watchers, w)
		close(w.send)
	}
	h.logger.Debug("watcher unregistered", zap.String("watcher_id", w.ID))
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
			// slow watcher; it only misses events
		}
	}
}

// Register adds a watcher. It returns false if the hub has stopped.
func (h *Hub) Register(w *Watcher) bool {
	select {
	case h.register <- w:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a watcher.
func (h *Hub) Unregister(w *Watcher) {
	select {
	case h.unregister <- w:
	case <-h.done:
	}
}

// WatcherCount returns the number of connected dashboards.
func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// ReadPump discards dashboard input and unregisters on close.
func (w *Watcher) ReadPump() {
	defer func() {
		w.hub.Unregister(w)
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(4096)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump sends events to the dashboard.
func (w *Watcher) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case message, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
