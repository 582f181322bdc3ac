package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	mocksauth "github.com/target/portal-auth/internal/mocks/auth"
	"github.com/target/portal-auth/internal/observability/statsd"
)

type managerFixture struct {
	remote *mocksauth.MockRemoteAuth
	caller *mocksauth.StaticProcedureCaller
	store  *mocksauth.MemoryBackupStore
	clock  *core.ManualClock
	mgr    *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		remote: mocksauth.NewMockRemoteAuth(),
		caller: mocksauth.NewStaticProcedureCaller(),
		store:  mocksauth.NewMemoryBackupStore(),
		clock:  core.NewManualClock(time.Now()),
	}
	f.caller.
		Returns(testPrimary, `{"role":"client","company_name":"Acme"}`).
		Returns("get_menu_permissions", `["dashboard","reports"]`).
		Returns("check_page_access", `{"allowed":true}`)

	cfg := DefaultManagerConfig()
	cfg.Permissions.WarmPages = []string{"reports"}
	mgr, err := NewManager(ManagerOptions{
		Remote:      f.remote,
		Caller:      f.caller,
		BackupStore: f.store,
		Config:      cfg,
		Clock:       f.clock,
		Sleep:       parkSleeps(f.clock.Sleep, cfg.Controller.StuckTimeout),
		Metrics:     &statsd.Recorder{},
	})
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(mgr.Close)
	return f
}

// parkSleeps waits for cancellation on sleeps of d and defers to sleep otherwise.
func parkSleeps(sleep core.SleepFunc, d time.Duration) core.SleepFunc {
	return func(ctx context.Context, got time.Duration) error {
		if got != d {
			return sleep(ctx, got)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerOptions{Caller: mocksauth.NewStaticProcedureCaller()})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{Remote: mocksauth.NewMockRemoteAuth()})
	require.Error(t, err)

	cfg := DefaultManagerConfig()
	cfg.Resolver.RoleExpr = "role[?"
	_, err = NewManager(ManagerOptions{
		Remote: mocksauth.NewMockRemoteAuth(),
		Caller: mocksauth.NewStaticProcedureCaller(),
		Config: cfg,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role resolver")
}

func TestManager_StartResolvesAndWarms(t *testing.T) {
	f := newManagerFixture(t)
	f.remote.SetSession(mocksauth.NewSession("u1", "u1@example.com", time.Hour))
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))
	require.NoError(t, f.mgr.Start(ctx))

	st := f.mgr.State()
	assert.Equal(t, domainauth.PhaseAuthenticated, st.Phase)
	assert.Equal(t, domainauth.RoleClient, roleOf(st))
	assert.Equal(t, 1, f.remote.SubscribeCalls())

	require.Eventually(t, func() bool {
		return f.caller.Calls("get_menu_permissions") == 1 && f.caller.Calls("check_page_access") == 1
	}, eventually, tick)

	allowed, known := f.mgr.CachedPageAccess("reports")
	assert.True(t, known)
	assert.True(t, allowed)

	menu, err := f.mgr.MenuPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dashboard", "reports"}, menu)
	assert.Equal(t, 1, f.caller.Calls("get_menu_permissions"))

	ok, err := f.mgr.HasPageAccess(ctx, "billing")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_PullToRefresh(t *testing.T) {
	f := newManagerFixture(t)
	f.remote.SetSession(mocksauth.NewSession("u1", "u1@example.com", time.Hour))
	require.NoError(t, f.mgr.Start(context.Background()))
	before := f.caller.Calls(testPrimary)

	require.True(t, f.mgr.Notify(SignalPullToRefresh))

	require.Eventually(t, func() bool { return f.mgr.SchedulerStats().Refreshes == 1 }, eventually, tick)
	assert.Equal(t, before+1, f.caller.Calls(testPrimary), "refresh bypasses the role cache")
}

func TestManager_SignInAndSignOut(t *testing.T) {
	f := newManagerFixture(t)
	f.remote.SignInFunc = func(_ context.Context, email, _ string) (*domainauth.Session, error) {
		return mocksauth.NewSession("u1", email, time.Hour), nil
	}
	ctx := context.Background()
	require.NoError(t, f.mgr.Start(ctx))
	require.False(t, f.mgr.State().IsAuthenticated())

	require.NoError(t, f.mgr.SignIn(ctx, "u1@example.com", "secret"))
	require.Eventually(t, func() bool {
		return f.mgr.State().Phase == domainauth.PhaseAuthenticated
	}, eventually, tick)

	require.NoError(t, f.mgr.SignOut(ctx))
	assert.Equal(t, domainauth.Unauthenticated(), f.mgr.State())
	assert.Equal(t, domainauth.RecoveryState{}, f.mgr.Recovery())
	_, known := f.mgr.CachedPageAccess("reports")
	assert.True(t, known, "unauthenticated callers are denied without a lookup")
	assert.Contains(t, f.remote.SignOutScopes(), domainauth.ScopeGlobal)
}

func TestManager_WatchClosedOnClose(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.mgr.Start(context.Background()))

	ch := f.mgr.Watch(context.Background())
	<-ch
	f.mgr.Close()
	f.mgr.Close()

	_, ok := <-ch
	assert.False(t, ok)
}
