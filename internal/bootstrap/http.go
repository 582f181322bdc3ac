package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	httpx "github.com/target/portal-auth/internal/http"
)

// StatusServerConfig contains configuration for the status HTTP server.
type StatusServerConfig struct {
	Addr    string
	Service httpx.StatusService
	Logger  *slog.Logger
}

// StartStatusServer binds Addr and serves the status endpoint in the background.
// Binding happens before returning so address errors surface immediately.
func StartStatusServer(cfg StatusServerConfig) (*http.Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, errors.New("status server address is required")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           httpx.NewRouter(cfg.Service, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting status server", "addr", server.Addr)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("status server failed", "error", serveErr)
		}
	}()
	return server, nil
}

// ShutdownStatusServer gracefully shuts down the status server.
func ShutdownStatusServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	if logger != nil {
		logger.Info("shutting down status server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if logger != nil {
		logger.Info("status server stopped")
	}
	return nil
}
