package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/ports"
)

// SessionValidatorOptions groups dependencies for SessionValidator.
type SessionValidatorOptions struct {
	Remote       ports.RemoteAuthClient // Required: hosted auth backend
	SafetyMargin time.Duration          // Optional: defaults to 5m
	MinInterval  time.Duration          // Optional: defaults to 60s
	CallTimeout  time.Duration          // Optional: defaults to 10s
	Clock        core.Clock             // Optional: defaults to the system clock
	Logger       *slog.Logger           // Optional: structured logger
}

// ValidationResult is the outcome of SessionValidator.Validate.
type ValidationResult struct {
	// Valid reports whether a usable session exists after validation.
	Valid bool
	// WasValid reports whether the session was usable before any refresh.
	WasValid bool
	// Refreshed reports whether a refresh produced a new session.
	Refreshed bool
	// Checked is false when the answer came from the throttle window.
	Checked bool
	// Session is the session observed, or nil.
	Session *domainauth.Session
	// Err is the last remote error, if any.
	Err error
}

// SessionValidator checks session expiry against a safety margin and refreshes
// sessions that are about to expire. Remote checks are throttled.
type SessionValidator struct {
	remote       ports.RemoteAuthClient
	safetyMargin time.Duration
	minInterval  time.Duration
	callTimeout  time.Duration
	clock        core.Clock
	logger       *slog.Logger

	mu          sync.Mutex
	lastChecked time.Time
	last        ValidationResult
}

// NewSessionValidator constructs a SessionValidator.
func NewSessionValidator(opts SessionValidatorOptions) (*SessionValidator, error) {
	if opts.Remote == nil {
		return nil, errors.New("RemoteAuthClient is required")
	}
	v := &SessionValidator{
		remote:       opts.Remote,
		safetyMargin: opts.SafetyMargin,
		minInterval:  opts.MinInterval,
		callTimeout:  opts.CallTimeout,
		clock:        core.ClockOrReal(opts.Clock),
		logger:       opts.Logger,
	}
	if v.safetyMargin <= 0 {
		v.safetyMargin = 5 * time.Minute
	}
	if v.minInterval <= 0 {
		v.minInterval = 60 * time.Second
	}
	if v.callTimeout <= 0 {
		v.callTimeout = 10 * time.Second
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("component", "session_validator")
	return v, nil
}

// IsValid reports whether s exists and does not expire within the safety margin.
func (v *SessionValidator) IsValid(s *domainauth.Session) bool {
	return !s.ExpiresWithin(v.clock.Now(), v.safetyMargin)
}

// Validate fetches the current session and refreshes it once when it is missing
// or about to expire. Within MinInterval of the previous check the last answer
// is returned with Checked=false and no remote call is made.
func (v *SessionValidator) Validate(ctx context.Context) ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	if !v.lastChecked.IsZero() && now.Sub(v.lastChecked) < v.minInterval {
		res := v.last
		res.Checked = false
		res.Refreshed = false
		res.Err = nil
		return res
	}
	v.lastChecked = now

	res := ValidationResult{Checked: true}
	sess, err := v.getSession(ctx)
	if err != nil {
		v.logger.WarnContext(ctx, "session lookup failed", "error", err)
		res.Err = err
	}
	res.Session = sess
	res.WasValid = v.IsValid(sess)
	res.Valid = res.WasValid

	if !res.WasValid && ctx.Err() == nil {
		refreshed, rerr := v.refresh(ctx)
		if rerr != nil {
			res.Err = rerr
		}
		if refreshed != nil {
			res.Session = refreshed
			res.Refreshed = true
			res.Valid = v.IsValid(refreshed)
		}
	}

	v.last = res
	return res
}

// RefreshSession performs a single remote refresh. Errors are logged and nil is returned.
func (v *SessionValidator) RefreshSession(ctx context.Context) *domainauth.Session {
	sess, _ := v.refresh(ctx)
	return sess
}

// Reset forgets the throttle window so the next Validate checks remotely.
func (v *SessionValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastChecked = time.Time{}
	v.last = ValidationResult{}
}

func (v *SessionValidator) getSession(ctx context.Context) (*domainauth.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
	defer cancel()
	sess, err := v.remote.GetSession(callCtx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (v *SessionValidator) refresh(ctx context.Context) (*domainauth.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
	defer cancel()
	sess, err := v.remote.RefreshSession(callCtx)
	if err != nil {
		v.logger.WarnContext(ctx, "session refresh failed", "error", err)
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return sess, nil
}
