// Package api provides the HTTP ingest and read surface for pulseboard.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/pulseboard/internal/aggregate"
	"github.com/ashureev/pulseboard/internal/domain"
	"github.com/ashureev/pulseboard/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves event ingest and one-shot aggregate reads.
type Handler struct {
	repo   store.Repository
	engine *aggregate.Engine
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, engine *aggregate.Engine) *Handler {
	return &Handler{repo: repo, engine: engine}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes attaches the API routes to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.handleIngest)
		r.Get("/aggregate", h.handleAggregate)
		r.Get("/channels", h.handleChannels)
		r.Get("/health", h.handleHealth)
	})
}

type ingestRequest struct {
	Channel string `json:"channel"`
	Label   string `json:"label"`
}

// handleIngest appends one event. The insert fires the change feed, which
// fans fresh aggregates out to subscribers.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Channel = strings.TrimSpace(req.Channel)
	req.Label = strings.TrimSpace(req.Label)
	if req.Channel == "" || req.Label == "" {
		Error(w, http.StatusBadRequest, "channel and label are required")
		return
	}

	if err := h.repo.InsertEvent(r.Context(), req.Channel, req.Label); err != nil {
		slog.Error("Failed to insert event", "error", err, "channel", req.Channel)
		Error(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleAggregate serves a one-shot aggregate for ?channel= without a
// websocket subscription.
func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")

	res, err := h.engine.Compute(r.Context(), channel)
	if err != nil {
		slog.Warn("One-shot aggregate failed", "error", err, "channel", channel)
		switch {
		case errors.Is(err, aggregate.ErrTimeout):
			Error(w, http.StatusGatewayTimeout, "aggregate computation timed out")
		default:
			Error(w, http.StatusServiceUnavailable, "aggregate unavailable")
		}
		return
	}

	if res == nil {
		res = domain.AggregateResult{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"channel": channel,
		"rows":    res,
	})
}

func (h *Handler) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.repo.ListChannels(r.Context())
	if err != nil {
		slog.Error("Failed to list channels", "error", err)
		Error(w, http.StatusServiceUnavailable, "channels unavailable")
		return
	}
	if channels == nil {
		channels = []string{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
