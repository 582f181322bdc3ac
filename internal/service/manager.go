package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/observability/statsd"
	"github.com/target/portal-auth/internal/ports"
)

// ManagerConfig gathers the tuning of every component the Manager wires.
type ManagerConfig struct {
	Cache       core.RoleCacheConfig
	Resolver    RoleResolverConfig
	Permissions PermissionsConfig
	Controller  AuthControllerConfig
	Visibility  VisibilityConfig
	Recovery    RetryPolicy

	SafetyMargin        time.Duration
	ValidateMinInterval time.Duration
	SessionCallTimeout  time.Duration

	BackupKey    string
	BackupMaxAge time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with every component at its defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Cache:       core.DefaultRoleCacheConfig(),
		Resolver:    DefaultRoleResolverConfig(),
		Permissions: DefaultPermissionsConfig(),
		Controller:  DefaultAuthControllerConfig(),
		Visibility:  DefaultVisibilityConfig(),
		Recovery:    DefaultRetryPolicy(),
	}
}

// ManagerOptions groups dependencies for Manager.
type ManagerOptions struct {
	Remote      ports.RemoteAuthClient // Required: hosted auth backend
	Caller      ports.ProcedureCaller  // Required: role and permission procedures
	BackupStore ports.BackupStore      // Optional: nil disables the admin role backup
	Config      ManagerConfig          // Optional: zero fields fall back to component defaults
	Clock       core.Clock             // Optional: defaults to the system clock
	Sleep       core.SleepFunc         // Optional: defaults to a timer-backed sleep
	Logger      *slog.Logger           // Optional: structured logger
	Metrics     statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// Manager is the consumer-facing entry point. It owns the role cache and wires
// the controller, scheduler, validator, recovery and permission services.
type Manager struct {
	controller  *AuthController
	scheduler   *VisibilityScheduler
	validator   *SessionValidator
	recovery    *SessionRecovery
	permissions *Permissions
	logger      *slog.Logger

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds every component from opts. Call Start to begin.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Remote == nil {
		return nil, errors.New("RemoteAuthClient is required")
	}
	if opts.Caller == nil {
		return nil, errors.New("ProcedureCaller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	cache := core.NewRoleCache(core.RoleCacheOptions{Clock: opts.Clock, Config: cfg.Cache})
	resolver, err := NewRoleResolver(RoleResolverOptions{
		Caller:  opts.Caller,
		Cache:   cache,
		Config:  cfg.Resolver,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("role resolver: %w", err)
	}

	var backup *RoleBackupService
	if opts.BackupStore != nil {
		backup, err = NewRoleBackupService(RoleBackupOptions{
			Store:  opts.BackupStore,
			Key:    cfg.BackupKey,
			MaxAge: cfg.BackupMaxAge,
			Clock:  opts.Clock,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("role backup: %w", err)
		}
	}

	recovery, err := NewSessionRecovery(SessionRecoveryOptions{
		Remote:  opts.Remote,
		Policy:  cfg.Recovery,
		Clock:   opts.Clock,
		Sleep:   opts.Sleep,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("session recovery: %w", err)
	}

	controller, err := NewAuthController(AuthControllerOptions{
		Remote:   opts.Remote,
		Resolver: resolver,
		Cache:    cache,
		Backup:   backup,
		Recovery: recovery,
		Config:   cfg.Controller,
		Sleep:    opts.Sleep,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("auth controller: %w", err)
	}

	validator, err := NewSessionValidator(SessionValidatorOptions{
		Remote:       opts.Remote,
		SafetyMargin: cfg.SafetyMargin,
		MinInterval:  cfg.ValidateMinInterval,
		CallTimeout:  cfg.SessionCallTimeout,
		Clock:        opts.Clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	scheduler, err := NewVisibilityScheduler(VisibilitySchedulerOptions{
		Controller: controller,
		Validator:  validator,
		Config:     cfg.Visibility,
		Clock:      opts.Clock,
		Sleep:      opts.Sleep,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("visibility scheduler: %w", err)
	}

	permissions, err := NewPermissions(PermissionsOptions{
		Caller: opts.Caller,
		Cache:  cache,
		State:  controller,
		Config: cfg.Permissions,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}

	return &Manager{
		controller:  controller,
		scheduler:   scheduler,
		validator:   validator,
		recovery:    recovery,
		permissions: permissions,
		logger:      logger.With("component", "manager"),
	}, nil
}

// Start initializes the controller and launches the scheduler and the
// permission warm-up loop. Background work runs until Close.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	// The warm-up watcher subscribes first so it sees the bootstrap result.
	states := m.controller.Watch(runCtx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.warmLoop(runCtx, states)
	}()
	go func() {
		defer m.wg.Done()
		if err := m.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("visibility scheduler stopped", "error", err)
		}
	}()

	if err := m.controller.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize auth controller: %w", err)
	}
	m.logger.InfoContext(ctx, "auth manager started", "phase", string(m.controller.State().Phase))
	return nil
}

// Close stops background work. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.controller.Close()
	m.wg.Wait()
}

// warmLoop prefetches permissions each time a new identity or role settles.
func (m *Manager) warmLoop(ctx context.Context, states <-chan domainauth.AuthState) {
	var warmed string
	for st := range states {
		if !st.IsAuthenticated() {
			warmed = ""
			continue
		}
		if st.Loading || st.Phase != domainauth.PhaseAuthenticated || st.Role == nil {
			continue
		}
		key := IdentityKey(*st.Identity) + "|" + string(*st.Role)
		if key == warmed {
			continue
		}
		warmed = key
		if err := m.permissions.Warm(ctx); err != nil && ctx.Err() == nil {
			m.logger.WarnContext(ctx, "permission warm-up failed", "error", err)
		}
	}
}

// State returns a snapshot of the current auth state.
func (m *Manager) State() domainauth.AuthState { return m.controller.State() }

// Watch streams state changes until ctx is done or the manager is closed.
func (m *Manager) Watch(ctx context.Context) <-chan domainauth.AuthState {
	return m.controller.Watch(ctx)
}

// RefreshAuth forces a cache-bypassing role resolution.
func (m *Manager) RefreshAuth(ctx context.Context) error { return m.controller.RefreshAuth(ctx) }

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	return m.controller.SignIn(ctx, email, password)
}

// SignOut clears local state and revokes the session remotely.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.controller.SignOut(ctx)
	m.validator.Reset()
	return err
}

// HasPageAccess reports whether the current identity may open page.
func (m *Manager) HasPageAccess(ctx context.Context, page string) (bool, error) {
	return m.permissions.HasPageAccess(ctx, page)
}

// CachedPageAccess answers from the cache only.
func (m *Manager) CachedPageAccess(page string) (allowed, ok bool) {
	return m.permissions.CachedPageAccess(page)
}

// MenuPermissions returns the menu keys visible to the current identity.
func (m *Manager) MenuPermissions(ctx context.Context) ([]string, error) {
	return m.permissions.MenuPermissions(ctx)
}

// Notify forwards a platform signal to the visibility scheduler.
func (m *Manager) Notify(sig Signal) bool { return m.scheduler.Notify(sig) }

// Recovery exposes the recovery counter for diagnostics.
func (m *Manager) Recovery() domainauth.RecoveryState { return m.recovery.State() }

// SchedulerStats exposes the visibility scheduler counters for diagnostics.
func (m *Manager) SchedulerStats() VisibilityStats { return m.scheduler.Stats() }
