package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	subscriberSize = 32
)

// Hub keeps the set of connected websocket observers and fans events out to
// them. A subscriber whose send buffer is full is disconnected rather than
// allowed to slow down ingestion.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an empty Hub. Any origin may connect, the same policy as
// the API's CORS middleware.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected observers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers e to every connected observer. Having no observers is
// not an error.
func (h *Hub) Publish(_ context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*subscriber
	for s := range h.subscribers {
		select {
		case s.send <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn("dropping slow websocket subscriber", "remote", s.conn.RemoteAddr().String())
		h.remove(s)
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the observer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, subscriberSize)}
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket subscriber connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(s)
	h.readLoop(s)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.remove(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subscribers, s)
		h.mu.Unlock()
		close(s.send)
	})
}

// readLoop discards client messages; it exists to process control frames
// and notice disconnects.
func (h *Hub) readLoop(s *subscriber) {
	defer func() {
		h.remove(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
