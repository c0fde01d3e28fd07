// ABOUTME: WebSocket fan-out of host notifications for GET /events
// ABOUTME: Slow subscribers drop events rather than stalling the notifier

package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// Endpoints bind to localhost; the host UI is served from another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is a Sink that forwards notifications to WebSocket subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan Notification),
		logger:      logger.With("component", "notify.hub"),
	}
}

// Subscribe registers a subscriber and returns its channel and id.
func (h *Hub) Subscribe() (<-chan Notification, string) {
	id := uuid.New().String()
	ch := make(chan Notification, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subscribers[id] = ch
	}
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", id)
	return ch, id
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(ch)
	h.logger.Debug("subscriber removed", "sub_id", id)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Notify implements Sink. Non-blocking: events are dropped for subscribers
// whose channels are full.
func (h *Hub) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Debug("dropped notification for slow subscriber", "sub_id", id, "type", n.Type)
		}
	}
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}

// ServeHTTP upgrades the request to a WebSocket and streams notifications as
// JSON text frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ch, id := h.Subscribe()
	defer h.Unsubscribe(id)

	// Reader goroutine: handles pongs and notices the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
