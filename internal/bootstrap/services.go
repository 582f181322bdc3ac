package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/target/portal-auth/config"
	"github.com/target/portal-auth/internal/core"
	"github.com/target/portal-auth/internal/observability/statsd"
	"github.com/target/portal-auth/internal/ports"
	"github.com/target/portal-auth/internal/service"
)

// ManagerConfigFromApp maps environment configuration onto the Manager's component configs.
func ManagerConfigFromApp(cfg *config.AppConfig) service.ManagerConfig {
	mc := service.DefaultManagerConfig()

	mc.Cache = core.RoleCacheConfig{
		RoleTTL:     cfg.Cache.RoleTTL,
		PageTTL:     cfg.Cache.PageTTL,
		MenuTTL:     cfg.Cache.MenuTTL,
		GenericTTL:  cfg.Cache.GenericTTL,
		FallbackTTL: cfg.Cache.FallbackTTL,
	}

	mc.Resolver.PrimaryProcedure = cfg.RPC.PrimaryProcedure
	mc.Resolver.SecondaryProcedure = cfg.RPC.SecondaryProcedure
	mc.Resolver.PrimaryTimeout = cfg.RPC.PrimaryTimeout
	mc.Resolver.SecondaryTimeout = cfg.RPC.SecondaryTimeout
	mc.Resolver.RoleExpr = cfg.RPC.RoleExpr
	mc.Resolver.CompanyExpr = cfg.RPC.CompanyExpr

	mc.Permissions.PageAccessProcedure = cfg.RPC.PageAccessProcedure
	mc.Permissions.MenuProcedure = cfg.RPC.MenuProcedure
	mc.Permissions.AllowedExpr = cfg.RPC.AllowedExpr
	mc.Permissions.MenuExpr = cfg.RPC.MenuExpr
	mc.Permissions.Timeout = cfg.RPC.PermissionTimeout
	mc.Permissions.WarmPages = append([]string(nil), cfg.RPC.WarmPages...)

	mc.Controller.SignInGrace = cfg.Auth.SignInGrace
	mc.Controller.StuckTimeout = cfg.Auth.StuckTimeout
	mc.Controller.SignOutTimeout = cfg.Auth.SignOutTimeout
	mc.Controller.CallTimeout = cfg.Session.CallTimeout
	mc.Controller.RevalidateInterval = cfg.Backup.RevalidateInterval

	mc.Visibility = service.VisibilityConfig{
		MinInterval:   cfg.Visibility.MinInterval,
		Standalone:    cfg.Visibility.Standalone,
		SettleVisible: cfg.Visibility.SettleVisible,
		SettleFocus:   cfg.Visibility.SettleFocus,
		SettleOnline:  cfg.Visibility.SettleOnline,
		SettlePull:    cfg.Visibility.SettlePull,
	}

	mc.Recovery = service.RetryPolicy{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Cooldown:    cfg.Recovery.Cooldown,
		Pause:       cfg.Recovery.Pause,
	}
	if cfg.Recovery.BackoffBase > 0 {
		mc.Recovery.Backoff = service.ExponentialBackoff(cfg.Recovery.BackoffBase, cfg.Recovery.Cooldown)
	}

	mc.SafetyMargin = cfg.Session.SafetyMargin
	mc.ValidateMinInterval = cfg.Session.ValidateMinInterval
	mc.SessionCallTimeout = cfg.Session.CallTimeout
	mc.BackupKey = cfg.Backup.Key
	mc.BackupMaxAge = cfg.Backup.MaxAge
	return mc
}

// NewMetricsSink dials StatsD when enabled. A disabled client is a no-op sink.
func NewMetricsSink(ctx context.Context, cfg config.ObservabilityMetricsConfig, logger *slog.Logger) (*statsd.Client, error) {
	client, err := statsd.NewClient(ctx, statsd.Config{
		Enabled:    cfg.IsEnabled(),
		Address:    cfg.StatsdAddress,
		Prefix:     cfg.Prefix,
		Logger:     logger,
		GlobalTags: map[string]string{"service": cfg.ServiceName},
	})
	if err != nil {
		return nil, fmt.Errorf("statsd client: %w", err)
	}
	if client.Enabled() && logger != nil {
		logger.InfoContext(ctx, "metrics enabled", "address", cfg.StatsdAddress, "prefix", cfg.Prefix)
	}
	return client, nil
}

// AppDeps groups the externally created dependencies of an App.
// Nil fields are built from Config.
type AppDeps struct {
	Config      *config.AppConfig      // Required
	Logger      *slog.Logger           // Optional
	Remote      ports.RemoteAuthClient // Optional: overrides AUTH_MODE
	Caller      ports.ProcedureCaller  // Optional: overrides RPC_MODE
	BackupStore ports.BackupStore      // Optional: overrides BACKUP_STORE
	Metrics     statsd.Sink            // Optional: overrides OBSERVABILITY_METRICS_*
}

// App holds the wired Manager and everything that must be released with it.
type App struct {
	Manager *service.Manager
	Remote  ports.RemoteAuthClient

	closeOnce sync.Once
	closers   []Closer
}

// BuildApp wires adapters and the Manager from configuration. On error every
// connection opened so far is released.
func BuildApp(ctx context.Context, deps AppDeps) (*App, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	app.Remote = deps.Remote
	if app.Remote == nil {
		remote, err := BuildRemoteAuth(ctx, deps.Config.Auth, logger)
		if err != nil {
			return fail(err)
		}
		app.Remote = remote
	}

	caller := deps.Caller
	if caller == nil {
		c, closeCaller, err := BuildProcedureCaller(ctx, ProcedureCallerConfig{
			App:     deps.Config,
			Session: app.Remote,
			Logger:  logger,
		})
		app.closers = append(app.closers, closeCaller)
		if err != nil {
			return fail(err)
		}
		caller = c
	}

	store := deps.BackupStore
	if store == nil {
		s, closeStore, err := BuildBackupStore(ctx, deps.Config, logger)
		app.closers = append(app.closers, closeStore)
		if err != nil {
			return fail(err)
		}
		store = s
	}

	metrics := deps.Metrics
	if metrics == nil {
		client, err := NewMetricsSink(ctx, deps.Config.Observability.Metrics, logger)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, func() {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("close statsd client", "error", cerr)
			}
		})
		metrics = client
	}

	mgr, err := service.NewManager(service.ManagerOptions{
		Remote:      app.Remote,
		Caller:      caller,
		BackupStore: store,
		Config:      ManagerConfigFromApp(deps.Config),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fail(fmt.Errorf("build manager: %w", err))
	}
	app.Manager = mgr
	return app, nil
}

// Close stops the Manager and releases connections in reverse order.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Manager != nil {
			a.Manager.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
	})
}
