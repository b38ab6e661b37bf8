// Package server is the HTTP shell around the edge handler: it wires the
// middleware chain, owns graceful shutdown, and performs the atomic
// router swap on config reload (SIGHUP).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jiafuei/ccproxy/internal/config"
	"github.com/jiafuei/ccproxy/internal/edge"
	"github.com/jiafuei/ccproxy/internal/middleware"
	"github.com/jiafuei/ccproxy/internal/router"
	"github.com/jiafuei/ccproxy/internal/transform"

	// Register the closed transformer constructor set.
	_ "github.com/jiafuei/ccproxy/internal/transform/gemini"
	_ "github.com/jiafuei/ccproxy/internal/transform/generic"
	_ "github.com/jiafuei/ccproxy/internal/transform/openai"
	_ "github.com/jiafuei/ccproxy/internal/transform/responses"
)

type Server struct {
	cfgMgr  *config.Manager
	loader  *transform.Loader
	handler *edge.Handler
	logger  *slog.Logger
	server  *http.Server
}

// New builds the transformer loader, the initial Router, and the edge
// handler. The loader is shared across reloads so transformer instances
// stay cached.
func New(cfgMgr *config.Manager, logger *slog.Logger) (*Server, error) {
	cfg, err := cfgMgr.Get()
	if err != nil {
		return nil, err
	}

	loader := transform.NewLoader(logger)

	rt, err := router.New(cfg, loader, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfgMgr:  cfgMgr,
		loader:  loader,
		handler: edge.New(rt, logger),
		logger:  logger,
	}, nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, reloading config on
// SIGHUP. Shutdown waits up to ten seconds for in-flight requests.
func (s *Server) Start() error {
	cfg, err := s.cfgMgr.Get()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.logger.Info("starting server", "address", addr)

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				s.reload()
				continue
			}

			s.logger.Info("server is shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := s.server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			s.logger.Info("server exited")

			return nil
		}
	}
}

// reload builds a new Router from freshly loaded config and swaps it in
// atomically. A failed load keeps the previous good config and router; the
// old router stays alive for requests that started before the swap and is
// closed afterwards.
func (s *Server) reload() {
	s.logger.Info("reloading configuration")

	if err := s.cfgMgr.Reload(); err != nil {
		s.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	cfg, err := s.cfgMgr.Get()
	if err != nil {
		s.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	rt, err := router.New(cfg, s.loader, s.logger)
	if err != nil {
		s.logger.Error("router rebuild failed, keeping previous provider set", "error", err)
		return
	}

	old := s.handler.SwapRouter(rt)
	if old != nil {
		old.Close()
	}

	s.logger.Info("configuration reloaded", "providers", len(cfg.Providers), "models", len(cfg.Models))
}

// Stop shuts the HTTP server down with a short deadline. Used by tests and
// the stop command path.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler exposes the fully-wired route tree (middleware included); the
// integration tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.TelemetryBlocker(s.logger))
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Auth(s.cfgMgr, s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.handler.Routes(r)

	return r
}
