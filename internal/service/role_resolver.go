package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/observability/metrics"
	"github.com/target/portal-auth/internal/observability/statsd"
	"github.com/target/portal-auth/internal/ports"
)

// ResolveSource reports where a RoleRecord came from.
type ResolveSource string

const (
	ResolveSourceCache     ResolveSource = "cache"
	ResolveSourcePrimary   ResolveSource = "primary"
	ResolveSourceSecondary ResolveSource = "secondary"
	ResolveSourceFallback  ResolveSource = "fallback"
)

// ErrRoleUnavailable is returned when neither lookup produced a role.
// The accompanying record is always the least-privilege default.
var ErrRoleUnavailable = errors.New("role unavailable")

// RoleResolverConfig names the lookup procedures and how to read them.
type RoleResolverConfig struct {
	PrimaryProcedure   string
	SecondaryProcedure string
	PrimaryTimeout     time.Duration
	SecondaryTimeout   time.Duration
	RoleExpr           string
	CompanyExpr        string
}

// DefaultRoleResolverConfig returns a RoleResolverConfig with sensible defaults.
func DefaultRoleResolverConfig() RoleResolverConfig {
	return RoleResolverConfig{
		PrimaryProcedure:   "get_user_role_and_company",
		SecondaryProcedure: "get_user_role_by_email",
		PrimaryTimeout:     5 * time.Second,
		SecondaryTimeout:   3 * time.Second,
		RoleExpr:           "role || [0].role",
		CompanyExpr:        "company_name || companyName || [0].company_name",
	}
}

// RoleResolverOptions groups dependencies for RoleResolver.
type RoleResolverOptions struct {
	Caller    ports.ProcedureCaller // Required: remote procedure transport
	Cache     *core.RoleCache       // Required: shared role cache
	Config    RoleResolverConfig    // Optional: zero fields fall back to defaults
	Evaluator JMESPathEvaluator     // Optional: defaults to go-jmespath
	Logger    *slog.Logger          // Optional: structured logger
	Metrics   statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ResolveOptions tunes a single Resolve call.
type ResolveOptions struct {
	// BypassCache forces remote lookups even when a fresh entry exists.
	BypassCache bool
}

// RoleResolver determines the role and company of an identity.
//
// Lookup order:
// - RoleCache (unless bypassed)
// - primary procedure keyed by user id
// - secondary procedure keyed by email
// - least-privilege fallback, cached briefly
type RoleResolver struct {
	caller  ports.ProcedureCaller
	cache   *core.RoleCache
	config  RoleResolverConfig
	extract roleExtractor
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewRoleResolver constructs a RoleResolver.
func NewRoleResolver(opts RoleResolverOptions) (*RoleResolver, error) {
	if opts.Caller == nil {
		return nil, errors.New("ProcedureCaller is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("RoleCache is required")
	}

	cfg := opts.Config
	def := DefaultRoleResolverConfig()
	if cfg.PrimaryProcedure == "" {
		cfg.PrimaryProcedure = def.PrimaryProcedure
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = def.PrimaryTimeout
	}
	if cfg.SecondaryTimeout <= 0 {
		cfg.SecondaryTimeout = def.SecondaryTimeout
	}
	if cfg.RoleExpr == "" {
		cfg.RoleExpr = def.RoleExpr
	}

	eval := opts.Evaluator
	if eval == nil {
		eval = jmespathLibEvaluator{}
	}
	if err := validateExpressions(eval, map[string]string{
		"role":    cfg.RoleExpr,
		"company": cfg.CompanyExpr,
	}); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RoleResolver{
		caller:  opts.Caller,
		cache:   opts.Cache,
		config:  cfg,
		extract: roleExtractor{eval: eval, roleExpr: cfg.RoleExpr, companyExpr: cfg.CompanyExpr},
		logger:  logger.With("component", "role_resolver"),
		metrics: opts.Metrics,
	}, nil
}

// IdentityKey is the cache identity for id: the user id, or the email when no id is known.
func IdentityKey(id domainauth.Identity) string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.Email
}

// Resolve returns the role record of id and where it came from.
// When both lookups fail it returns the least-privilege record, ResolveSourceFallback
// and an error wrapping ErrRoleUnavailable; the fallback is cached so repeated
// failures do not hammer the backend.
func (r *RoleResolver) Resolve(
	ctx context.Context,
	id domainauth.Identity,
	opts ResolveOptions,
) (domainauth.RoleRecord, ResolveSource, error) {
	key := IdentityKey(id)
	if key == "" {
		return domainauth.LeastPrivilege(), ResolveSourceFallback, fmt.Errorf("%w: identity is empty", ErrRoleUnavailable)
	}

	if !opts.BypassCache {
		if cached, ok := r.cache.GetRole(key); ok {
			return r.fromCache(cached)
		}
	}

	start := time.Now()
	rec, primaryErr := r.lookup(ctx, r.config.PrimaryProcedure, map[string]any{"p_user_id": id.UserID}, r.config.PrimaryTimeout)
	if primaryErr == nil {
		r.store(key, rec, ResolveSourcePrimary, start)
		return rec, ResolveSourcePrimary, nil
	}
	r.logger.WarnContext(ctx, "primary role lookup failed",
		"procedure", r.config.PrimaryProcedure,
		"error_code", apperrors.GetCode(primaryErr),
		"error", primaryErr,
	)

	secondaryErr := errors.New("secondary lookup not configured")
	if r.config.SecondaryProcedure != "" && id.Email != "" {
		rec, secondaryErr = r.lookup(ctx, r.config.SecondaryProcedure, map[string]any{"p_email": id.Email}, r.config.SecondaryTimeout)
		if secondaryErr == nil {
			r.store(key, rec, ResolveSourceSecondary, start)
			return rec, ResolveSourceSecondary, nil
		}
		r.logger.WarnContext(ctx, "secondary role lookup failed",
			"procedure", r.config.SecondaryProcedure,
			"error_code", apperrors.GetCode(secondaryErr),
			"error", secondaryErr,
		)
	}

	joined := errors.Join(primaryErr, secondaryErr)
	if ctx.Err() == nil {
		r.cache.SetRoleFallback(key)
	}
	metrics.EmitRoleResolution(r.metrics, metrics.RoleResolutionMetric{
		Source:   string(ResolveSourceFallback),
		Result:   metrics.ResultFallback,
		Duration: time.Since(start),
		Err:      primaryErr,
	})
	return domainauth.LeastPrivilege(), ResolveSourceFallback, fmt.Errorf("%w: %w", ErrRoleUnavailable, joined)
}

func (r *RoleResolver) fromCache(cached core.CachedRole) (domainauth.RoleRecord, ResolveSource, error) {
	if cached.Fallback {
		metrics.EmitRoleResolution(r.metrics, metrics.RoleResolutionMetric{
			Source: string(ResolveSourceFallback),
			Result: metrics.ResultFallback,
			Cached: true,
		})
		return cached.Record, ResolveSourceFallback, fmt.Errorf("%w: recent lookups failed", ErrRoleUnavailable)
	}
	metrics.EmitRoleResolution(r.metrics, metrics.RoleResolutionMetric{
		Source: string(ResolveSourceCache),
		Result: metrics.ResultSuccess,
		Cached: true,
	})
	return cached.Record, ResolveSourceCache, nil
}

func (r *RoleResolver) store(key string, rec domainauth.RoleRecord, source ResolveSource, start time.Time) {
	r.cache.SetRole(key, rec)
	metrics.EmitRoleResolution(r.metrics, metrics.RoleResolutionMetric{
		Source:   string(source),
		Result:   metrics.ResultSuccess,
		Duration: time.Since(start),
	})
}

// lookup runs one procedure under its own timeout and parses the result.
func (r *RoleResolver) lookup(
	ctx context.Context,
	procedure string,
	args map[string]any,
	timeout time.Duration,
) (domainauth.RoleRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := r.caller.Call(callCtx, procedure, args)
	if err != nil {
		return domainauth.RoleRecord{}, apperrors.MapRPCError(fmt.Errorf("call %s: %w", procedure, err))
	}
	rec, err := r.extract.extract(raw)
	if err != nil {
		return domainauth.RoleRecord{}, apperrors.Wrapf(err, apperrors.ErrCodeRejected, "unreadable result from %s", procedure)
	}
	return rec, nil
}
