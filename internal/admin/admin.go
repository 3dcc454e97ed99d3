// Package admin serves the operational HTTP endpoints: engine statistics as
// JSON, Prometheus metrics, a health probe and the build version.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/cache"
	"slimcache/internal/logging"
	"slimcache/internal/server"
)

// Source is what the admin server reads its data from
type Source interface {
	Snapshot(ctx context.Context) (cache.Snapshot, error)
}

// ConnStats reports connection level statistics
type ConnStats interface {
	Stats() server.Stats
}

// Options configures the admin server
type Options struct {
	Address string
	Version string
	Source  Source
	Conns   ConnStats // optional
	Metrics []*metrics.Set
	Timeout time.Duration // per-request deadline for engine snapshots
}

// Stats is the body served on /stats
type Stats struct {
	Version string         `json:"version"`
	Engine  cache.Snapshot `json:"engine"`
	Server  *server.Stats  `json:"server,omitempty"`
}

// Server is the admin HTTP server
type Server struct {
	opts     Options
	http     *http.Server
	listener net.Listener
	done     chan error
}

// New creates an admin server
func New(opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin routes wrapped in request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return logging.HTTPMiddleware(mux)
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	s.listener = listener
	s.done = make(chan error, 1)

	go func() {
		err := s.http.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	logging.Info(context.Background(), logging.ComponentAdmin, logging.ActionStart, "Admin server listening", logging.Fields{
		"address": listener.Addr().String(),
	})
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	err := <-s.done
	logging.Info(ctx, logging.ComponentAdmin, logging.ActionStop, "Admin server stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	defer cancel()

	snap, err := s.opts.Source.Snapshot(ctx)
	if err != nil {
		logging.Error(r.Context(), logging.ComponentAdmin, logging.ActionRequest, "Failed to collect stats", err)
		http.Error(w, fmt.Sprintf("stats unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}

	stats := Stats{Version: s.opts.Version, Engine: snap}
	if s.opts.Conns != nil {
		cs := s.opts.Conns.Stats()
		stats.Server = &cs
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, set := range s.opts.Metrics {
		set.WritePrometheus(w)
	}
	metrics.WriteProcessMetrics(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
