package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/pulseboard/internal/session"
	"github.com/coder/websocket"
)

// Coordinator is the slice of the broadcast coordinator the handler drives.
type Coordinator interface {
	OnConnect(id string)
	OnPartitionKeyChange(id, key string)
	OnDisconnect(id string)
}

// Handler upgrades subscriber connections and feeds their messages to the
// coordinator.
type Handler struct {
	registry      *session.Registry
	hub           *Hub
	coord         Coordinator
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new websocket subscriber handler.
func NewHandler(registry *session.Registry, hub *Hub, coord Coordinator, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		registry:      registry,
		hub:           hub,
		coord:         coord,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage is the message structure read from subscribers.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("Subscriber connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id := h.registry.Register()
	h.hub.Register(id, ws)
	defer h.hub.Unregister(id, ws)
	defer h.coord.OnDisconnect(id)

	if err := h.writeJSON(ws, map[string]string{"type": "hello", "session_id": id}); err != nil {
		slog.Debug("Failed to send hello", "error", err, "session_id", id)
	}

	// First push happens with the empty partition key; the client narrows it
	// with a subscribe message.
	h.coord.OnConnect(id)

	h.readLoop(r.Context(), ws, id)
	slog.Info("Subscriber session ended", "session_id", id)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, id string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", id)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", id)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed client message", "session_id", id, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.coord.OnPartitionKeyChange(id, msg.Channel)
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err, "session_id", id)
			}
		}
	}
}

func (h *Handler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
