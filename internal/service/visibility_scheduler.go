package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/portal-auth/internal/core"
	"github.com/target/portal-auth/internal/observability/metrics"
	"github.com/target/portal-auth/internal/observability/statsd"
)

// Signal is a platform event that may warrant revalidating the session.
type Signal string

const (
	SignalVisible       Signal = "visible"
	SignalFocus         Signal = "focus"
	SignalOnline        Signal = "online"
	SignalPullToRefresh Signal = "pull_to_refresh"
)

const signalBuffer = 8

// Skip reasons reported in logs and metrics.
const (
	skipRefreshing      = "refreshing"
	skipUnauthenticated = "unauthenticated"
	skipThrottled       = "throttled"
	skipQueueFull       = "queue_full"
)

// VisibilityConfig tunes VisibilityScheduler.
type VisibilityConfig struct {
	// MinInterval is the minimum spacing between two runs.
	MinInterval time.Duration
	// Standalone enables focus signals.
	Standalone    bool
	SettleVisible time.Duration
	SettleFocus   time.Duration
	SettleOnline  time.Duration
	SettlePull    time.Duration
}

// DefaultVisibilityConfig returns a VisibilityConfig with sensible defaults.
func DefaultVisibilityConfig() VisibilityConfig {
	return VisibilityConfig{
		MinInterval:   30 * time.Second,
		SettleVisible: 2 * time.Second,
		SettleFocus:   2 * time.Second,
		SettleOnline:  5 * time.Second,
	}
}

func (c VisibilityConfig) settle(sig Signal) time.Duration {
	switch sig {
	case SignalVisible:
		return c.SettleVisible
	case SignalFocus:
		return c.SettleFocus
	case SignalOnline:
		return c.SettleOnline
	default:
		return c.SettlePull
	}
}

// Refresher is the part of AuthController the scheduler drives.
type Refresher interface {
	AuthStateSource
	IsRefreshing() bool
	RefreshAuth(ctx context.Context) error
}

// VisibilitySchedulerOptions groups dependencies for VisibilityScheduler.
type VisibilitySchedulerOptions struct {
	Controller Refresher         // Required: auth state owner
	Validator  *SessionValidator // Required: session expiry checks
	Config     VisibilityConfig  // Optional: MinInterval <= 0 disables throttling
	Clock      core.Clock        // Optional: defaults to the system clock
	Sleep      core.SleepFunc    // Optional: defaults to a timer-backed sleep
	Logger     *slog.Logger      // Optional: structured logger
	Metrics    statsd.Sink       // Optional: metrics sink (StatsD-compatible)
}

// VisibilityStats counts scheduler activity.
type VisibilityStats struct {
	Signals     int64
	Validations int64
	Refreshes   int64
	Skipped     int64
}

// VisibilityScheduler turns platform signals into throttled session
// validation and, when needed, a full auth refresh.
type VisibilityScheduler struct {
	controller Refresher
	validator  *SessionValidator
	config     VisibilityConfig
	clock      core.Clock
	sleep      core.SleepFunc
	logger     *slog.Logger
	metrics    statsd.Sink

	signals chan Signal

	mu      sync.Mutex
	lastRun time.Time

	nSignals     atomic.Int64
	nValidations atomic.Int64
	nRefreshes   atomic.Int64
	nSkipped     atomic.Int64
}

// NewVisibilityScheduler constructs a VisibilityScheduler. Call Run to start it.
func NewVisibilityScheduler(opts VisibilitySchedulerOptions) (*VisibilityScheduler, error) {
	if opts.Controller == nil {
		return nil, errors.New("Refresher is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("SessionValidator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &VisibilityScheduler{
		controller: opts.Controller,
		validator:  opts.Validator,
		config:     opts.Config,
		clock:      core.ClockOrReal(opts.Clock),
		sleep:      core.SleepOrReal(opts.Sleep),
		logger:     logger.With("component", "visibility_scheduler"),
		metrics:    opts.Metrics,
		signals:    make(chan Signal, signalBuffer),
	}, nil
}

// Notify hands a signal to Run without blocking. It reports whether the
// signal was accepted; focus signals are ignored unless Standalone is set.
func (s *VisibilityScheduler) Notify(sig Signal) bool {
	if sig == SignalFocus && !s.config.Standalone {
		return false
	}
	select {
	case s.signals <- sig:
		s.nSignals.Add(1)
		return true
	default:
		s.skip(sig, skipQueueFull)
		return false
	}
}

// Run processes signals until ctx is done.
func (s *VisibilityScheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-s.signals:
			if err := s.sleep(ctx, s.config.settle(sig)); err != nil {
				return ctx.Err()
			}
			s.process(ctx, sig)
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *VisibilityScheduler) Stats() VisibilityStats {
	return VisibilityStats{
		Signals:     s.nSignals.Load(),
		Validations: s.nValidations.Load(),
		Refreshes:   s.nRefreshes.Load(),
		Skipped:     s.nSkipped.Load(),
	}
}

func (s *VisibilityScheduler) process(ctx context.Context, sig Signal) {
	if s.controller.IsRefreshing() {
		s.skip(sig, skipRefreshing)
		return
	}
	if !s.controller.State().IsAuthenticated() {
		s.skip(sig, skipUnauthenticated)
		return
	}
	if !s.claimRun() {
		s.skip(sig, skipThrottled)
		return
	}

	res := s.validator.Validate(ctx)
	s.nValidations.Add(1)
	metrics.EmitRefresh(s.metrics, metrics.RefreshMetric{
		Signal: string(sig),
		Kind:   "validate",
		Result: resultOf(res.Err),
		Err:    res.Err,
	})

	if sig != SignalPullToRefresh && res.WasValid && res.Valid && !res.Refreshed {
		s.logger.DebugContext(ctx, "session still valid", "signal", string(sig))
		return
	}

	err := s.controller.RefreshAuth(ctx)
	s.nRefreshes.Add(1)
	metrics.EmitRefresh(s.metrics, metrics.RefreshMetric{
		Signal: string(sig),
		Kind:   "refresh",
		Result: resultOf(err),
		Err:    err,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "auth refresh failed", "signal", string(sig), "error", err)
		return
	}
	s.logger.InfoContext(ctx, "auth refreshed",
		"signal", string(sig),
		"was_valid", res.WasValid,
		"session_refreshed", res.Refreshed,
	)
}

// claimRun records the start of a run unless one started within MinInterval.
func (s *VisibilityScheduler) claimRun() bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.config.MinInterval {
		return false
	}
	s.lastRun = now
	return true
}

func (s *VisibilityScheduler) skip(sig Signal, reason string) {
	s.nSkipped.Add(1)
	s.logger.Debug("signal skipped", "signal", string(sig), "reason", reason)
	metrics.EmitRefresh(s.metrics, metrics.RefreshMetric{
		Signal: string(sig),
		Kind:   reason,
		Result: metrics.ResultSkipped,
	})
}

func resultOf(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}

var _ Refresher = (*AuthController)(nil)
