package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Status is reported by the health endpoint
type Status struct {
	Subscriptions []string `json:"subscriptions"`
}

// StatusFunc returns the current client status
type StatusFunc func() Status

// Server exposes /metrics and /healthz for a running realtime client
type Server struct {
	addr       string
	gatherer   prometheus.Gatherer
	status     StatusFunc
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New creates a Server listening on addr once started
func New(addr string, gatherer prometheus.Gatherer, status StatusFunc, logger zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		status:   status,
		logger:   logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Status{Subscriptions: []string{}}
	if s.status != nil {
		status = s.status()
		if status.Subscriptions == nil {
			status.Subscriptions = []string{}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write health response")
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Msg("starting metrics server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown error: %w", err)
	}
	s.logger.Info().Msg("metrics server stopped")
	return nil
}
