package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/observability"
)

const writeWait = 5 * time.Second

// wsSession represents one connected live map client
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// MapHub holds the live map subscribers and broadcasts every event to all of them.
type MapHub struct {
	mu       sync.RWMutex
	sessions map[*wsSession]struct{}
	logger   *slog.Logger
}

func NewMapHub(logger *slog.Logger) *MapHub {
	return &MapHub{sessions: make(map[*wsSession]struct{}), logger: logger.With("component", "map_hub")}
}

// Add registers conn and blocks reading from it until the client goes away.
// Clients never send anything meaningful; reading is what processes close
// and ping frames.
func (h *MapHub) Add(conn *websocket.Conn) {
	s := &wsSession{conn: conn}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.MapSubscribers.Inc()

	defer h.drop(s)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *MapHub) drop(s *wsSession) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		observability.MapSubscribers.Dec()
		_ = s.conn.Close()
	}
}

func (h *MapHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *MapHub) Publish(_ context.Context, ev models.LocationChanged) error {
	env := NewEnvelope(ev)
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(env); err != nil {
			h.logger.Debug("ws send failed, dropping subscriber", "error", err)
			h.drop(s)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *MapHub) Close() error {
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.drop(s)
	}
	return nil
}
