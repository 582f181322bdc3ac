package httpx

// Package httpx serves the local status endpoint of portal-authd.

import (
	"context"
	"log/slog"
	"net/http"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/service"
)

// StatusService is the part of service.Manager the status endpoint reads and drives.
type StatusService interface {
	State() domainauth.AuthState
	RefreshAuth(ctx context.Context) error
	SignOut(ctx context.Context) error
	Notify(sig service.Signal) bool
	Recovery() domainauth.RecoveryState
	SchedulerStats() service.VisibilityStats
}

var _ StatusService = (*service.Manager)(nil)

// NewRouter builds the status handler wrapped in logging and panic recovery.
func NewRouter(svc StatusService, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "status_http")
	h := &statusHandlers{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthHandler)
	mux.HandleFunc("HEAD /healthz", h.healthHandler)
	mux.HandleFunc("GET /state", h.state)
	mux.HandleFunc("POST /refresh", h.refresh)
	mux.HandleFunc("POST /signout", h.signOut)
	mux.HandleFunc("POST /signals/{signal}", h.signal)

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}
