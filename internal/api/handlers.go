package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/internal/market"
)

// watchTimeout bounds the metadata lookup behind POST /api/watch.
const watchTimeout = 20 * time.Second

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider Provider
	cfg      config.DashboardConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider Provider, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed accepts requests without an Origin header, origins on the
// configured allowlist, and (when no allowlist is set) loopback or same-host
// origins.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns connection state and book freshness.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Status())
}

// HandleDepth returns cumulative depth and reward flags for every outcome.
func (h *Handlers) HandleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	depth, err := h.provider.Depth()
	if errors.Is(err, ErrNotWatching) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("depth failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// HandleReconnect forces an immediate reconnect with the backoff reset.
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	h.provider.Reconnect()
	writeJSON(w, http.StatusAccepted, h.provider.Status())
}

// HandleWatch switches the watched market (POST ?slug=) or stops watching
// (DELETE).
func (h *Handlers) HandleWatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		slug := strings.TrimSpace(r.URL.Query().Get("slug"))
		if slug == "" {
			writeError(w, http.StatusBadRequest, "slug is required")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), watchTimeout)
		defer cancel()
		if err := h.provider.Watch(ctx, slug); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, market.ErrMarketNotFound) {
				status = http.StatusNotFound
			}
			h.logger.Warn("watch failed", "slug", slug, "error", err)
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, h.provider.Status())
	case http.MethodDelete:
		h.provider.Unwatch()
		writeJSON(w, http.StatusOK, h.provider.Status())
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

// HandleWebSocket upgrades the connection and registers a dashboard client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	client := NewClient(h.hub, conn)

	data, err := json.Marshal(snapshotEvent(h.provider))
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	if !client.trySend(data) {
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
