package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/target/portal-auth/config"
	"github.com/target/portal-auth/internal/bootstrap"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/service"
	"github.com/target/portal-auth/internal/service/failurenotifier"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	bootstrap.ApplyLogLevel(&cfg)
	logStartupInfo(ctx, logger, &cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := bootstrap.BuildFailureNotifier(cfg.Observability.Notifications, logger)
	if err != nil {
		return err
	}

	app, err := bootstrap.BuildApp(ctx, bootstrap.AppDeps{Config: &cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer app.Close()

	if err = app.Manager.Start(ctx); err != nil {
		return fmt.Errorf("start auth manager: %w", err)
	}

	if cfg.Auth.SignInEmail != "" {
		if err = app.Manager.SignIn(ctx, cfg.Auth.SignInEmail, cfg.Auth.SignInPassword); err != nil {
			// The daemon stays up signed out; a later sign-in arrives through the remote backend.
			logger.ErrorContext(ctx, "startup sign-in failed", "email", cfg.Auth.SignInEmail, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchStates(gctx, logger, app.Manager.Watch(gctx))
		return nil
	})
	g.Go(func() error {
		forwardSignals(gctx, logger, app.Manager)
		return nil
	})
	if notifier.Enabled() {
		states := app.Manager.Watch(gctx)
		g.Go(func() error {
			notifier.Watch(gctx, failurenotifier.WatchOptions{
				States:      states,
				Recovery:    app.Manager,
				MaxAttempts: cfg.Recovery.MaxAttempts,
			})
			return nil
		})
	}

	if cfg.Observability.Status.Enabled() {
		server, serr := bootstrap.StartStatusServer(bootstrap.StatusServerConfig{
			Addr:    cfg.Observability.Status.Addr,
			Service: app.Manager,
			Logger:  logger,
		})
		if serr != nil {
			stop()
			return errors.Join(fmt.Errorf("start status server: %w", serr), g.Wait())
		}
		g.Go(func() error {
			<-gctx.Done()
			return bootstrap.ShutdownStatusServer(gctx, server, logger)
		})
	}

	<-ctx.Done()
	logger.InfoContext(ctx, "shutdown signal received")
	return g.Wait()
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting portal-authd",
		"auth_mode", cfg.Auth.Mode,
		"rpc_mode", cfg.RPC.Mode,
		"backup_store", cfg.Backup.Store,
		"status_addr", cfg.Observability.Status.Addr,
		"dev", cfg.IsDev)
}

// watchStates logs every published auth state until ctx ends or the Manager closes.
func watchStates(ctx context.Context, logger *slog.Logger, states <-chan domainauth.AuthState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			logger.InfoContext(ctx, "auth state", stateAttrs(st)...)
		}
	}
}

func stateAttrs(st domainauth.AuthState) []any {
	attrs := []any{"phase", st.Phase, "loading", st.Loading}
	if st.Identity != nil {
		attrs = append(attrs, "user_id", st.Identity.UserID)
	}
	if st.Role != nil {
		attrs = append(attrs, "role", *st.Role, "provisional", st.RoleProvisional)
	}
	if st.Error != "" {
		attrs = append(attrs, "error", st.Error)
	}
	return attrs
}

// SignalNotifier receives platform visibility signals.
type SignalNotifier interface {
	Notify(sig service.Signal) bool
}

func forwardSignals(ctx context.Context, logger *slog.Logger, n SignalNotifier) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case osSig := <-ch:
			sig, ok := signalFor(osSig)
			if !ok {
				continue
			}
			accepted := n.Notify(sig)
			logger.DebugContext(ctx, "visibility signal", "signal", sig, "accepted", accepted)
		}
	}
}

// signalFor maps process signals onto visibility signals: SIGHUP behaves like the
// app returning to the foreground and SIGUSR1 like a pull-to-refresh gesture.
func signalFor(s os.Signal) (service.Signal, bool) {
	switch s {
	case syscall.SIGHUP:
		return service.SignalVisible, true
	case syscall.SIGUSR1:
		return service.SignalPullToRefresh, true
	default:
		return "", false
	}
}
