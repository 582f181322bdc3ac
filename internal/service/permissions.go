package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/ports"
)

// AuthStateSource exposes the current auth state.
type AuthStateSource interface {
	State() domainauth.AuthState
}

// sessionEpoch is implemented by state owners that count sign-outs.
// AuthController does; the counter changes before the cache is cleared.
type sessionEpoch interface {
	Generation() uint64
}

// PermissionsConfig names the permission procedures and how to read them.
type PermissionsConfig struct {
	PageAccessProcedure string
	MenuProcedure       string
	AllowedExpr         string
	MenuExpr            string
	Timeout             time.Duration
	// WarmPages are checked by Warm alongside the menu.
	WarmPages       []string
	WarmConcurrency int
}

// DefaultPermissionsConfig returns a PermissionsConfig with sensible defaults.
func DefaultPermissionsConfig() PermissionsConfig {
	return PermissionsConfig{
		PageAccessProcedure: "check_page_access",
		MenuProcedure:       "get_menu_permissions",
		AllowedExpr:         "allowed || [0].allowed",
		MenuExpr:            "[*].menu_key || @",
		Timeout:             5 * time.Second,
		WarmConcurrency:     4,
	}
}

// PermissionsOptions groups dependencies for Permissions.
type PermissionsOptions struct {
	Caller    ports.ProcedureCaller // Required: remote procedure transport
	Cache     *core.RoleCache       // Required: shared cache
	State     AuthStateSource       // Required: current auth state
	Config    PermissionsConfig     // Optional: zero fields fall back to defaults
	Evaluator JMESPathEvaluator     // Optional: defaults to go-jmespath
	Logger    *slog.Logger          // Optional: structured logger
}

// Permissions answers page and menu access questions for the current identity.
type Permissions struct {
	caller ports.ProcedureCaller
	cache  *core.RoleCache
	state  AuthStateSource
	config PermissionsConfig
	eval   JMESPathEvaluator
	logger *slog.Logger
}

// NewPermissions constructs a Permissions service.
func NewPermissions(opts PermissionsOptions) (*Permissions, error) {
	if opts.Caller == nil {
		return nil, errors.New("ProcedureCaller is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("RoleCache is required")
	}
	if opts.State == nil {
		return nil, errors.New("AuthStateSource is required")
	}

	cfg := opts.Config
	def := DefaultPermissionsConfig()
	if cfg.PageAccessProcedure == "" {
		cfg.PageAccessProcedure = def.PageAccessProcedure
	}
	if cfg.MenuProcedure == "" {
		cfg.MenuProcedure = def.MenuProcedure
	}
	if cfg.AllowedExpr == "" {
		cfg.AllowedExpr = def.AllowedExpr
	}
	if cfg.MenuExpr == "" {
		cfg.MenuExpr = def.MenuExpr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = def.WarmConcurrency
	}

	eval := opts.Evaluator
	if eval == nil {
		eval = jmespathLibEvaluator{}
	}
	if err := validateExpressions(eval, map[string]string{
		"allowed": cfg.AllowedExpr,
		"menu":    cfg.MenuExpr,
	}); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Permissions{
		caller: opts.Caller,
		cache:  opts.Cache,
		state:  opts.State,
		config: cfg,
		eval:   eval,
		logger: logger.With("component", "permissions"),
	}, nil
}

// HasPageAccess reports whether the current identity may open page.
// Resolved admins always may; unauthenticated callers never may. A provisional
// admin role is not trusted and is checked like any other. Errors are not cached.
func (p *Permissions) HasPageAccess(ctx context.Context, page string) (bool, error) {
	page = strings.TrimSpace(page)
	epoch := p.epoch()
	st := p.state.State()
	if allowed, ok := p.decide(st, page); ok {
		return allowed, nil
	}

	key := IdentityKey(*st.Identity)
	if allowed, ok := p.cache.GetPageAccess(key, page); ok {
		return allowed, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	raw, err := p.caller.Call(callCtx, p.config.PageAccessProcedure, map[string]any{
		"p_user_id": st.Identity.UserID,
		"p_page":    page,
	})
	if err != nil {
		err = apperrors.MapRPCError(fmt.Errorf("call %s: %w", p.config.PageAccessProcedure, err))
		p.logger.WarnContext(ctx, "page access check failed", "page", page, "error", err)
		return false, err
	}
	allowed, err := extractBool(p.eval, p.config.AllowedExpr, raw)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrCodeRejected, "unreadable result from %s", p.config.PageAccessProcedure)
	}
	p.store(key, epoch, func() { p.cache.SetPageAccess(key, page, allowed) })
	return allowed, nil
}

// CachedPageAccess answers without any remote call. ok is false when the
// answer is not known yet.
func (p *Permissions) CachedPageAccess(page string) (allowed, ok bool) {
	page = strings.TrimSpace(page)
	st := p.state.State()
	if allowed, ok := p.decide(st, page); ok {
		return allowed, true
	}
	return p.cache.GetPageAccess(IdentityKey(*st.Identity), page)
}

// decide answers the cases that need no lookup.
func (p *Permissions) decide(st domainauth.AuthState, page string) (allowed, ok bool) {
	switch {
	case !st.IsAuthenticated() || IdentityKey(*st.Identity) == "":
		return false, true
	case st.IsAdmin() && !st.RoleProvisional:
		return true, true
	case page == "":
		return false, true
	}
	return false, false
}

// MenuPermissions returns the menu keys visible to the current identity.
func (p *Permissions) MenuPermissions(ctx context.Context) ([]string, error) {
	epoch := p.epoch()
	st := p.state.State()
	if !st.IsAuthenticated() {
		return []string{}, nil
	}
	key := IdentityKey(*st.Identity)
	if perms, ok := p.cache.GetMenuPermissions(key); ok {
		return perms, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	raw, err := p.caller.Call(callCtx, p.config.MenuProcedure, map[string]any{"p_user_id": st.Identity.UserID})
	if err != nil {
		err = apperrors.MapRPCError(fmt.Errorf("call %s: %w", p.config.MenuProcedure, err))
		p.logger.WarnContext(ctx, "menu permission lookup failed", "error", err)
		return nil, err
	}
	perms, err := extractStrings(p.eval, p.config.MenuExpr, raw)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeRejected, "unreadable result from %s", p.config.MenuProcedure)
	}
	p.store(key, epoch, func() { p.cache.SetMenuPermissions(key, perms) })
	return perms, nil
}

func (p *Permissions) epoch() uint64 {
	if e, ok := p.state.(sessionEpoch); ok {
		return e.Generation()
	}
	return 0
}

// current reports whether key is still the signed-in identity of epoch.
func (p *Permissions) current(key string, epoch uint64) bool {
	if p.epoch() != epoch {
		return false
	}
	st := p.state.State()
	return st.IsAuthenticated() && IdentityKey(*st.Identity) == key
}

// store runs set only while the lookup's identity is still signed in. A
// sign-out landing between the check and set is caught by the second check,
// which drops everything cached for key.
func (p *Permissions) store(key string, epoch uint64, set func()) {
	if !p.current(key, epoch) {
		p.logger.Debug("discarding permission result for signed-out identity", "identity", key)
		return
	}
	set()
	if !p.current(key, epoch) {
		p.cache.InvalidateIdentity(key)
	}
}

// Warm prefetches the menu and the configured pages concurrently.
func (p *Permissions) Warm(ctx context.Context) error {
	if !p.state.State().IsAuthenticated() {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WarmConcurrency)

	g.Go(func() error {
		_, err := p.MenuPermissions(gctx)
		return err
	})
	for _, page := range p.config.WarmPages {
		g.Go(func() error {
			_, err := p.HasPageAccess(gctx, page)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm permissions: %w", err)
	}
	return nil
}
