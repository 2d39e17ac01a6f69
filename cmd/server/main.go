// Command server runs the skyfold fit service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skyfold/skyfold/internal/config"
	apperrors "github.com/skyfold/skyfold/internal/errors"
	"github.com/skyfold/skyfold/internal/logging"
	"github.com/skyfold/skyfold/internal/server"
	"github.com/skyfold/skyfold/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting skyfold fit service", map[string]interface{}{
		"environment": cfg.Environment,
		"port":        cfg.HTTP.Port,
	})

	repo, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", map[string]interface{}{"error": err.Error()})
	}
	if repo != nil {
		defer repo.Close()
	}

	srv := server.NewServer(cfg, logger, repo)
	defer srv.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.Middleware(logger))
	router.Use(apperrors.RecoveryMiddleware(logger))
	router.Use(middleware.Timeout(cfg.HTTP.WriteTimeout))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", promhttp.Handler())
	srv.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("http server failed", map[string]interface{}{"error": err.Error()})
	case sig := <-stop:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("server stopped")
}

// openStore opens the fit archive, creating the parent directory of a
// file DSN when needed. An empty DSN disables persistence.
func openStore(cfg *config.Config, logger *logging.Logger) (*store.Store, error) {
	dsn := cfg.Database.DSN
	if dsn == "" {
		logger.Warn("persistence disabled, no database DSN configured")
		return nil, nil
	}
	if path, ok := strings.CutPrefix(dsn, "file:"); ok {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}
	return store.Open(dsn, cfg.Database.MaxConns)
}
