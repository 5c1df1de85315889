// Package api provides the admin HTTP server: health, Prometheus metrics, and
// read-only views of the subnet catalog and its leases.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemind-dhcp/hivemind/internal/audit"
	"github.com/hivemind-dhcp/hivemind/internal/lease"
	"github.com/hivemind-dhcp/hivemind/internal/pool"
)

// Server is the admin HTTP server for hivemind.
type Server struct {
	addr       string
	catalog    *pool.Catalog
	leases     *lease.Manager
	auditLog   *audit.Log
	logger     *slog.Logger
	httpServer *http.Server
	startTime  time.Time
	version    string
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithAuditLog enables the /api/v1/audit endpoints.
func WithAuditLog(al *audit.Log) ServerOption {
	return func(s *Server) { s.auditLog = al }
}

// NewServer creates a new admin API server bound to addr.
func NewServer(addr string, catalog *pool.Catalog, leases *lease.Manager, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:      addr,
		catalog:   catalog,
		leases:    leases,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the chi router with every admin endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/subnets", s.handleListSubnets)
		r.Get("/subnets/{index}/leases", s.handleListLeases)
		r.Get("/subnets/{index}/leases/{ip}", s.handleGetLease)
		if s.auditLog != nil {
			r.Get("/audit", s.handleAuditQuery)
			r.Get("/audit/export", s.handleAuditExport)
		}
	})
	return r
}

// Listen binds the API server to its configured address and prepares routes.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.addr, err)
	}
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
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	JSONResponse(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
