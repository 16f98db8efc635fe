// Package metrics serves the Prometheus scrape endpoint on its own
// listener, separate from the signaling port.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is an HTTP server exposing /metrics.
type Service struct {
	srv *http.Server
	log *slog.Logger
}

// NewService creates a metrics service bound to addr.
func NewService(addr string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return &Service{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: logger.With("component", "metrics"),
	}
}

// Start begins serving in the background. Listen errors other than a
// clean shutdown are logged, not returned.
func (s *Service) Start() {
	s.log.Info("metrics server started", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("metrics server shutdown", "error", err)
	}
	s.log.Info("metrics server stopped")
}
