// Package gateway exposes the coordinator over HTTP.
//
// The surface is deliberately small: one endpoint submits a message to
// a conversation, one lists the current lock table, plus the usual
// health and metrics endpoints. Conversation identity comes from the
// URL path, so two requests racing on the same conversation contend on
// the same lock regardless of which client sent them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convolock/convolock/internal/coordinator"
	"github.com/convolock/convolock/internal/locks"
	"github.com/convolock/convolock/internal/observability"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end for the coordinator.
type Server struct {
	config      Config
	coordinator *coordinator.Coordinator
	registry    locks.Snapshotter
	logger      *observability.Logger
	metrics     *observability.Metrics

	mux          *http.ServeMux
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the coordinator and the lock registry behind an HTTP
// mux. metrics may be nil.
func NewServer(config Config, coord *coordinator.Coordinator, registry locks.Snapshotter, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		// Inference calls run inside the handler, so the write timeout
		// must exceed the call deadline.
		config.WriteTimeout = 120 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	return &Server{
		config:      config,
		coordinator: coord,
		registry:    registry,
		logger:      logger,
		metrics:     metrics,
	}
}

// Handler builds the route table. Exposed so tests can drive the
// server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/locks", s.handleLocks)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleMessage)

	s.mux = mux
	return s.withRequestID(s.withMetrics(mux))
}

// Start begins serving. It returns once the listener is bound; errors
// from the serve loop are logged.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "starting http server", "addr", s.Addr())
	}
	return nil
}

// Addr returns the bound listen address. Useful when the configured
// port is 0.
func (s *Server) Addr() string {
	if s.httpListener != nil {
		return s.httpListener.Addr().String()
	}
	return s.config.Addr
}

// Stop shuts the server down, letting in-flight handlers finish within
// the shutdown timeout.
func (s *Server) Stop(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}
