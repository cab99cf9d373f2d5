package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-bookwatch/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a new API server. metrics, when non-nil, is served on
// /metrics.
func NewServer(cfg config.DashboardConfig, provider Provider, metrics http.Handler, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      newMux(handlers, metrics),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func newMux(h *Handlers, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/depth", h.HandleDepth)
	mux.HandleFunc("/api/reconnect", h.HandleReconnect)
	mux.HandleFunc("/api/watch", h.HandleWatch)
	mux.HandleFunc("/ws", h.HandleWebSocket)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

// Start runs the hub, the event consumer and the HTTP listener. It blocks
// until the server is stopped.
func (s *Server) Start() error {
	go s.hub.Run(s.ctx)
	go s.consumeEvents(s.ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.cancel()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.cancel()
	return err
}

// consumeEvents forwards engine events to the hub until ctx is cancelled.
func (s *Server) consumeEvents(ctx context.Context) {
	eventsCh := s.provider.DashboardEvents()
	if eventsCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-eventsCh:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
