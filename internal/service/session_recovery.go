package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/observability/metrics"
	"github.com/target/portal-auth/internal/observability/statsd"
	"github.com/target/portal-auth/internal/ports"
)

// Recovery reasons used by the controller.
const (
	RecoveryReasonStuckLoading = "stuck_loading"
	RecoveryReasonSessionError = "session_error"
)

// RetryPolicy bounds session recovery attempts.
type RetryPolicy struct {
	// MaxAttempts is how many attempts may run before the cooldown applies.
	MaxAttempts int
	// Cooldown is how long to wait after MaxAttempts before the counter resets.
	Cooldown time.Duration
	// Pause is the wait between local sign-out and the session re-check.
	Pause time.Duration
	// Backoff returns the minimum spacing after the given attempt number. Nil means no spacing.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy returns 3 attempts, a 60s cooldown, a 1s pause and 5s exponential spacing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Cooldown:    60 * time.Second,
		Pause:       time.Second,
		Backoff:     ExponentialBackoff(5*time.Second, 60*time.Second),
	}
}

// ExponentialBackoff returns base·2^(attempt-1), capped at maxDelay.
func ExponentialBackoff(base, maxDelay time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			return 0
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if maxDelay > 0 && d >= maxDelay {
				return maxDelay
			}
		}
		return d
	}
}

// SessionRecoveryOptions groups dependencies for SessionRecovery.
type SessionRecoveryOptions struct {
	Remote  ports.RemoteAuthClient // Required: hosted auth backend
	Policy  RetryPolicy            // Optional: zero fields fall back to DefaultRetryPolicy
	Clock   core.Clock             // Optional: defaults to the system clock
	Sleep   core.SleepFunc         // Optional: defaults to a timer-backed sleep
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// SessionRecovery clears a corrupted local session and re-checks it, bounded by a RetryPolicy.
type SessionRecovery struct {
	remote  ports.RemoteAuthClient
	policy  RetryPolicy
	clock   core.Clock
	sleep   core.SleepFunc
	logger  *slog.Logger
	metrics statsd.Sink

	mu          sync.Mutex
	state       domainauth.RecoveryState
	onRecovered func(ctx context.Context) error
}

// NewSessionRecovery constructs a SessionRecovery.
func NewSessionRecovery(opts SessionRecoveryOptions) (*SessionRecovery, error) {
	if opts.Remote == nil {
		return nil, errors.New("RemoteAuthClient is required")
	}
	policy := opts.Policy
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = def.Cooldown
	}
	if policy.Pause < 0 {
		policy.Pause = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRecovery{
		remote:  opts.Remote,
		policy:  policy,
		clock:   core.ClockOrReal(opts.Clock),
		sleep:   core.SleepOrReal(opts.Sleep),
		logger:  logger.With("component", "session_recovery"),
		metrics: opts.Metrics,
	}, nil
}

// SetOnRecovered registers the hook run after a session is found again.
func (r *SessionRecovery) SetOnRecovered(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecovered = fn
}

// State returns a snapshot of the recovery counters.
func (r *SessionRecovery) State() domainauth.RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset zeroes the attempt counter.
func (r *SessionRecovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = domainauth.RecoveryState{}
}

// AttemptRecovery signs out locally, waits, and re-checks the session. It
// reports whether a session was recovered. Attempts are refused while another
// one runs, after MaxAttempts until the cooldown has elapsed, and inside the
// backoff spacing of the previous attempt.
func (r *SessionRecovery) AttemptRecovery(ctx context.Context, reason string) bool {
	r.mu.Lock()
	now := r.clock.Now()
	if !r.allowLocked(now) {
		st := r.state
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "recovery attempt refused",
			"reason", reason,
			"attempts", st.Attempts,
			"recovering", st.Recovering,
		)
		metrics.EmitRecovery(r.metrics, metrics.RecoveryMetric{Reason: reason, Result: metrics.ResultSkipped})
		return false
	}
	r.state.Recovering = true
	r.state.Attempts++
	r.state.LastAttemptAt = now
	attempt := r.state.Attempts
	hook := r.onRecovered
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state.Recovering = false
		r.mu.Unlock()
	}()

	log := r.logger.With("attempt_id", uuid.NewString(), "attempt", attempt, "reason", reason)
	log.InfoContext(ctx, "attempting session recovery")
	start := time.Now()

	recovered := r.recover(ctx, log, hook)
	result := metrics.ResultError
	if recovered {
		result = metrics.ResultSuccess
		r.Reset()
		log.InfoContext(ctx, "session recovered")
	} else {
		log.WarnContext(ctx, "session recovery did not find a session")
	}
	metrics.EmitRecovery(r.metrics, metrics.RecoveryMetric{
		Reason:   reason,
		Result:   result,
		Attempt:  attempt,
		Duration: time.Since(start),
	})
	return recovered
}

func (r *SessionRecovery) allowLocked(now time.Time) bool {
	if r.state.Recovering {
		return false
	}
	since := now.Sub(r.state.LastAttemptAt)
	if r.state.Attempts >= r.policy.MaxAttempts {
		if since < r.policy.Cooldown {
			return false
		}
		r.state.Attempts = 0
	}
	if r.state.Attempts > 0 && r.policy.Backoff != nil && since < r.policy.Backoff(r.state.Attempts) {
		return false
	}
	return true
}

func (r *SessionRecovery) recover(ctx context.Context, log *slog.Logger, hook func(context.Context) error) bool {
	if err := r.remote.SignOut(ctx, domainauth.ScopeLocal); err != nil {
		log.WarnContext(ctx, "local sign-out failed during recovery", "error", err)
	}
	if err := r.sleep(ctx, r.policy.Pause); err != nil {
		return false
	}
	sess, err := r.remote.GetSession(ctx)
	if err != nil {
		log.WarnContext(ctx, "session lookup failed during recovery", "error", err)
		return false
	}
	if sess == nil {
		return false
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			log.WarnContext(ctx, "post-recovery refresh failed", "error", err)
		}
	}
	return true
}

// IsRecoverableError reports whether err indicates a corrupt or expired session.
func IsRecoverableError(err error) bool {
	return apperrors.IsSessionError(err)
}

