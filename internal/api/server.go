// Package api provides the diagnostics HTTP server: Prometheus metrics, a
// status document, the event journal and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rb3e-bridge/rb3e-bridge/internal/bridge"
	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
	"github.com/rb3e-bridge/rb3e-bridge/internal/dhcp"
	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/journal"
	"github.com/rb3e-bridge/rb3e-bridge/internal/wifi"
)

// Server is the diagnostics HTTP server.
type Server struct {
	cfg        *config.Config
	bus        *events.Bus
	manager    *wifi.Manager
	listener   *bridge.Listener
	dhcp       *dhcp.Handler
	journal    *journal.Journal
	logger     *slog.Logger
	httpServer *http.Server
	sseHub     *SSEHub
	startTime  time.Time
	version    string
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.sseHub = NewSSEHub(bus, logger)
	return s
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithManager sets the station connection manager.
func WithManager(m *wifi.Manager) ServerOption {
	return func(s *Server) { s.manager = m }
}

// WithListener sets the RB3E command listener.
func WithListener(l *bridge.Listener) ServerOption {
	return func(s *Server) { s.listener = l }
}

// WithDHCP sets the access-point DHCP handler whose lease table is reported.
func WithDHCP(h *dhcp.Handler) ServerOption {
	return func(s *Server) { s.dhcp = h }
}

// WithJournal sets the event journal.
func WithJournal(j *journal.Journal) ServerOption {
	return func(s *Server) { s.journal = j }
}

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Handler returns the routed handler wrapped in the metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address and prepares routes.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout, the event stream stays open
	}

	ln, err := net.Listen("tcp", s.cfg.API.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.API.Listen, err)
	}

	go s.sseHub.Run()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.sseHub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/journal", s.handleJournal)
	mux.HandleFunc("GET /api/v1/events/stream", s.handleSSE)
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
