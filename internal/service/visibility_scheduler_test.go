package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	mocksauth "github.com/target/portal-auth/internal/mocks/auth"
	"github.com/target/portal-auth/internal/observability/statsd"
)

type fakeRefresher struct {
	*staticState
	refreshing atomic.Bool
	refreshes  atomic.Int32
	err        error
}

func (f *fakeRefresher) IsRefreshing() bool { return f.refreshing.Load() }

func (f *fakeRefresher) RefreshAuth(context.Context) error {
	f.refreshes.Add(1)
	return f.err
}

type schedulerFixture struct {
	clock   *core.ManualClock
	remote  *mocksauth.MockRemoteAuth
	ctrl    *fakeRefresher
	metrics *statsd.Recorder
	sched   *VisibilityScheduler

	mu    sync.Mutex
	slept []time.Duration
}

func newSchedulerFixture(t *testing.T, cfg VisibilityConfig) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		clock:   core.NewManualClock(time.Now()),
		remote:  mocksauth.NewMockRemoteAuth(),
		ctrl:    &fakeRefresher{staticState: authenticatedAs(domainauth.RoleClient)},
		metrics: &statsd.Recorder{},
	}
	f.remote.SetSession(sessionExpiring(f.clock, time.Hour))

	validator, err := NewSessionValidator(SessionValidatorOptions{
		Remote:      f.remote,
		MinInterval: time.Millisecond,
		Clock:       f.clock,
	})
	require.NoError(t, err)

	f.sched, err = NewVisibilityScheduler(VisibilitySchedulerOptions{
		Controller: f.ctrl,
		Validator:  validator,
		Config:     cfg,
		Clock:      f.clock,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.slept = append(f.slept, d)
			f.mu.Unlock()
			return f.clock.Sleep(ctx, d)
		},
		Metrics: f.metrics,
	})
	require.NoError(t, err)
	return f
}

func TestNewVisibilityScheduler_Validation(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorOptions{Remote: mocksauth.NewMockRemoteAuth()})
	require.NoError(t, err)

	_, err = NewVisibilityScheduler(VisibilitySchedulerOptions{Validator: validator})
	require.Error(t, err)
	_, err = NewVisibilityScheduler(VisibilitySchedulerOptions{Controller: &fakeRefresher{staticState: &staticState{}}})
	require.Error(t, err)
}

func TestVisibilityScheduler_Notify(t *testing.T) {
	f := newSchedulerFixture(t, DefaultVisibilityConfig())

	assert.False(t, f.sched.Notify(SignalFocus), "focus needs standalone mode")
	for range signalBuffer {
		require.True(t, f.sched.Notify(SignalVisible))
	}
	assert.False(t, f.sched.Notify(SignalOnline), "full buffer never blocks")

	st := f.sched.Stats()
	assert.Equal(t, int64(signalBuffer), st.Signals)
	assert.Equal(t, int64(1), st.Skipped)

	cfg := DefaultVisibilityConfig()
	cfg.Standalone = true
	standalone := newSchedulerFixture(t, cfg)
	assert.True(t, standalone.sched.Notify(SignalFocus))
}

func TestVisibilityScheduler_Throttle(t *testing.T) {
	f := newSchedulerFixture(t, DefaultVisibilityConfig())
	ctx := context.Background()

	f.sched.process(ctx, SignalVisible)
	f.clock.Advance(5 * time.Second)
	f.sched.process(ctx, SignalVisible)

	st := f.sched.Stats()
	assert.Equal(t, int64(1), st.Validations, "two signals 5s apart run once")
	assert.Equal(t, int64(1), st.Skipped)

	f.clock.Advance(40 * time.Second)
	f.sched.process(ctx, SignalVisible)

	st = f.sched.Stats()
	assert.Equal(t, int64(2), st.Validations, "a signal 40s later runs again")
	assert.Equal(t, int64(0), st.Refreshes, "valid session needs no full refresh")
	assert.Equal(t, int32(0), f.ctrl.refreshes.Load())
}

func TestVisibilityScheduler_ThrottleDisabled(t *testing.T) {
	cfg := DefaultVisibilityConfig()
	cfg.MinInterval = 0
	f := newSchedulerFixture(t, cfg)

	f.sched.process(context.Background(), SignalVisible)
	f.clock.Advance(time.Second)
	f.sched.process(context.Background(), SignalVisible)

	assert.Equal(t, int64(2), f.sched.Stats().Validations)
}

func TestVisibilityScheduler_RefreshDecision(t *testing.T) {
	tests := []struct {
		name        string
		signal      Signal
		setup       func(f *schedulerFixture)
		wantRefresh int32
	}{
		{
			name:        "valid session",
			signal:      SignalVisible,
			wantRefresh: 0,
		},
		{
			name:   "session about to expire is refreshed",
			signal: SignalOnline,
			setup: func(f *schedulerFixture) {
				f.remote.SetSession(sessionExpiring(f.clock, time.Minute))
			},
			wantRefresh: 1,
		},
		{
			name:   "missing session and failed refresh",
			signal: SignalVisible,
			setup: func(f *schedulerFixture) {
				f.remote.SetSession(nil)
			},
			wantRefresh: 1,
		},
		{
			name:        "pull to refresh always refreshes",
			signal:      SignalPullToRefresh,
			wantRefresh: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t, DefaultVisibilityConfig())
			if tt.setup != nil {
				tt.setup(f)
			}

			f.sched.process(context.Background(), tt.signal)

			assert.Equal(t, tt.wantRefresh, f.ctrl.refreshes.Load())
			assert.Equal(t, int64(1), f.sched.Stats().Validations)
		})
	}
}

func TestVisibilityScheduler_Skips(t *testing.T) {
	f := newSchedulerFixture(t, DefaultVisibilityConfig())
	ctx := context.Background()

	f.ctrl.refreshing.Store(true)
	f.sched.process(ctx, SignalPullToRefresh)
	f.ctrl.refreshing.Store(false)

	f.ctrl.mu.Lock()
	f.ctrl.st = domainauth.Unauthenticated()
	f.ctrl.mu.Unlock()
	f.sched.process(ctx, SignalPullToRefresh)

	st := f.sched.Stats()
	assert.Equal(t, int64(2), st.Skipped)
	assert.Equal(t, int64(0), st.Validations)
	assert.Equal(t, 0, f.remote.GetSessionCalls())

	var kinds []string
	for _, s := range f.metrics.Samples("session.refresh") {
		kinds = append(kinds, s.Tags["kind"])
	}
	assert.Equal(t, []string{"refreshing", "unauthenticated"}, kinds)
}

func TestVisibilityScheduler_RefreshErrorCounted(t *testing.T) {
	f := newSchedulerFixture(t, DefaultVisibilityConfig())
	f.ctrl.err = context.Canceled

	f.sched.process(context.Background(), SignalPullToRefresh)

	samples := f.metrics.Samples("session.refresh")
	require.Len(t, samples, 2)
	assert.Equal(t, "refresh", samples[1].Tags["kind"])
	assert.Equal(t, "error", samples[1].Tags["result"])
	assert.Equal(t, int64(1), f.sched.Stats().Refreshes)
}

func TestVisibilityScheduler_Run(t *testing.T) {
	f := newSchedulerFixture(t, DefaultVisibilityConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.True(t, f.sched.Notify(SignalOnline))
	require.Eventually(t, func() bool { return f.sched.Stats().Validations == 1 }, eventually, tick)

	cancel()
	err := <-done
	require.True(t, errors.Is(err, context.Canceled))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []time.Duration{5 * time.Second}, f.slept, "online signals settle for 5s")
}
