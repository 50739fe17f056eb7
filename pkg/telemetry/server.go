package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market_maker/internal/core"
)

const shutdownGrace = 5 * time.Second

// Server exposes the Prometheus scrape endpoint populated by InitMetrics.
// Grounded on the teacher's internal/infrastructure/metrics.Server, kept
// as a bootstrap.Runner (Run/blocks until ctx is cancelled) instead of a
// fire-and-forget goroutine-starting Start/Stop pair, so it plugs into
// the same errgroup-based lifecycle as every AccountSupervisor.
type Server struct {
	port   int
	logger core.Logger
	srv    *http.Server
}

// NewServer builds a metrics server listening on port.
func NewServer(port int, logger core.Logger) *Server {
	return &Server{port: port, logger: logger.WithField("component", "metrics_server")}
}

// Run implements bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.logger.Info("stopping metrics server")
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("telemetry: metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
