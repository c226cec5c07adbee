// Package transport adapts websocket connections to the coordinator's
// push/receive boundary.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/pulseboard/internal/domain"
	"github.com/coder/websocket"
)

// aggregateMessage is the push envelope written to subscribers.
type aggregateMessage struct {
	Type    string                 `json:"type"`
	Channel string                 `json:"channel"`
	Rows    domain.AggregateResult `json:"rows"`
}

// Hub tracks the live websocket connection for each session id.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*websocket.Conn)}
}

// Register maps a session id to its connection. A previous connection under
// the same id is closed first.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.conns[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	h.conns[sessionID] = conn
}

// Unregister drops the mapping if it still points at conn.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.conns[sessionID]; ok && current == conn {
		delete(h.conns, sessionID)
	}
}

// Connected reports whether the session has a live connection.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sessionID]
	return ok
}

// Push writes the aggregate to the session's connection. A missing or
// already-closed connection is logged and swallowed; session teardown owns
// the cleanup.
func (h *Hub) Push(ctx context.Context, sessionID, partitionKey string, res domain.AggregateResult) error {
	h.mu.RLock()
	conn := h.conns[sessionID]
	h.mu.RUnlock()

	if conn == nil {
		slog.Debug("Push skipped, no live connection", "session_id", sessionID)
		return nil
	}

	if res == nil {
		res = domain.AggregateResult{}
	}
	data, err := json.Marshal(aggregateMessage{Type: "aggregate", Channel: partitionKey, Rows: res})
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Push to closing connection dropped", "session_id", sessionID, "error", err)
	}
	return nil
}
