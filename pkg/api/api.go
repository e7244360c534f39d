package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/hub"
	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/ethpandaops/dvtoor/pkg/orchestrator"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	orch       *orchestrator.Orchestrator
	hub        *hub.Hub
	metrics    *metrics.Metrics
	validate   *validator.Validate
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	orch *orchestrator.Orchestrator,
	h *hub.Hub,
	m *metrics.Metrics,
) Server {
	return newServer(log, cfg, orch, h, m)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	orch *orchestrator.Orchestrator,
	h *hub.Hub,
	m *metrics.Metrics,
) *server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		orch:     orch,
		hub:      h,
		metrics:  m,
		validate: newValidator(),
		done:     make(chan struct{}),
	}
}

// Start binds the listener and serves the API in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Open WebSocket streams are
// closed through the done channel since Shutdown does not track hijacked
// connections.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
