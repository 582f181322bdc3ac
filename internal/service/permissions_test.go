package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	mocksauth "github.com/target/portal-auth/internal/mocks/auth"
)

type staticState struct {
	mu  sync.Mutex
	st  domainauth.AuthState
	gen uint64
}

func (s *staticState) State() domainauth.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone()
}

func (s *staticState) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *staticState) signOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.st = domainauth.Unauthenticated()
}

func authenticatedAs(role domainauth.Role) *staticState {
	id := u1
	return &staticState{st: domainauth.AuthState{
		Identity: &id,
		Role:     &role,
		Phase:    domainauth.PhaseAuthenticated,
	}}
}

func newTestPermissions(
	t *testing.T,
	caller *mocksauth.StaticProcedureCaller,
	state AuthStateSource,
	cfg PermissionsConfig,
) (*Permissions, *core.RoleCache) {
	t.Helper()
	cache := core.NewRoleCache(core.RoleCacheOptions{Clock: core.NewManualClock(testT0)})
	p, err := NewPermissions(PermissionsOptions{Caller: caller, Cache: cache, State: state, Config: cfg})
	require.NoError(t, err)
	return p, cache
}

func TestNewPermissions_Validation(t *testing.T) {
	cache := core.NewRoleCache(core.RoleCacheOptions{})
	caller := mocksauth.NewStaticProcedureCaller()
	state := &staticState{}

	_, err := NewPermissions(PermissionsOptions{Cache: cache, State: state})
	require.Error(t, err)
	_, err = NewPermissions(PermissionsOptions{Caller: caller, State: state})
	require.Error(t, err)
	_, err = NewPermissions(PermissionsOptions{Caller: caller, Cache: cache})
	require.Error(t, err)
	_, err = NewPermissions(PermissionsOptions{
		Caller: caller, Cache: cache, State: state,
		Config: PermissionsConfig{MenuExpr: "[*"},
	})
	require.Error(t, err)
}

func TestPermissions_AdminAndUnauthenticated(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller()
	ctx := context.Background()

	admin, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleAdmin), PermissionsConfig{})
	ok, err := admin.HasPageAccess(ctx, "billing")
	require.NoError(t, err)
	assert.True(t, ok)
	allowed, known := admin.CachedPageAccess("billing")
	assert.True(t, allowed)
	assert.True(t, known)

	anon, _ := newTestPermissions(t, caller, &staticState{st: domainauth.Unauthenticated()}, PermissionsConfig{})
	ok, err = anon.HasPageAccess(ctx, "billing")
	require.NoError(t, err)
	assert.False(t, ok)
	menu, err := anon.MenuPermissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, menu)

	assert.Equal(t, 0, caller.Calls("check_page_access"))
}

func TestPermissions_ProvisionalAdminIsChecked(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller().Returns("check_page_access", `{"allowed":false}`)
	state := authenticatedAs(domainauth.RoleAdmin)
	state.st.RoleProvisional = true
	p, cache := newTestPermissions(t, caller, state, PermissionsConfig{})
	ctx := context.Background()

	_, known := p.CachedPageAccess("billing")
	assert.False(t, known, "a backup admin role answers nothing from memory")

	ok, err := p.HasPageAccess(ctx, "billing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, caller.Calls("check_page_access"))

	allowed, known := p.CachedPageAccess("billing")
	assert.True(t, known)
	assert.False(t, allowed)
	_, ok = cache.GetPageAccess("u1", "billing")
	assert.True(t, ok)
}

func TestPermissions_ResultsDroppedAfterSignOut(t *testing.T) {
	tests := []struct {
		name  string
		check func(ctx context.Context, p *Permissions) error
		rpc   string
		body  string
	}{
		{
			name: "page access",
			check: func(ctx context.Context, p *Permissions) error {
				_, err := p.HasPageAccess(ctx, "reports")
				return err
			},
			rpc:  "check_page_access",
			body: `true`,
		},
		{
			name: "menu",
			check: func(ctx context.Context, p *Permissions) error {
				_, err := p.MenuPermissions(ctx)
				return err
			},
			rpc:  "get_menu_permissions",
			body: `["dashboard"]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			caller := mocksauth.NewStaticProcedureCaller().
				Handle(tt.rpc, func(context.Context, map[string]any) (json.RawMessage, error) {
					close(entered)
					<-release
					return json.RawMessage(tt.body), nil
				})
			state := authenticatedAs(domainauth.RoleClient)
			p, cache := newTestPermissions(t, caller, state, PermissionsConfig{})

			errs := make(chan error, 1)
			go func() { errs <- tt.check(context.Background(), p) }()
			<-entered
			state.signOut()
			close(release)

			require.NoError(t, <-errs)
			assert.Equal(t, 0, cache.Len())
		})
	}
}

func TestPermissions_ResultsDroppedAfterSignInAsOther(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	caller := mocksauth.NewStaticProcedureCaller().
		Handle("get_menu_permissions", func(context.Context, map[string]any) (json.RawMessage, error) {
			close(entered)
			<-release
			return json.RawMessage(`["dashboard"]`), nil
		})
	state := authenticatedAs(domainauth.RoleClient)
	p, cache := newTestPermissions(t, caller, state, PermissionsConfig{})

	errs := make(chan error, 1)
	go func() {
		_, err := p.MenuPermissions(context.Background())
		errs <- err
	}()
	<-entered
	state.signOut()
	state.mu.Lock()
	other := domainauth.Identity{UserID: "u2", Email: "u2@example.com"}
	client := domainauth.RoleClient
	state.st = domainauth.AuthState{Identity: &other, Role: &client, Phase: domainauth.PhaseAuthenticated}
	state.mu.Unlock()
	close(release)

	require.NoError(t, <-errs)
	_, ok := cache.GetMenuPermissions("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestPermissions_ClientPageAccessCached(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller()
	var gotArgs map[string]any
	caller.Handle("check_page_access", func(_ context.Context, args map[string]any) (json.RawMessage, error) {
		gotArgs = args
		return json.RawMessage(`true`), nil
	})
	p, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})
	ctx := context.Background()

	_, known := p.CachedPageAccess("reports")
	assert.False(t, known)

	ok, err := p.HasPageAccess(ctx, "reports")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"p_user_id": "u1", "p_page": "reports"}, gotArgs)

	ok, err = p.HasPageAccess(ctx, "reports")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, caller.Calls("check_page_access"), "second check served from cache")

	allowed, known := p.CachedPageAccess("reports")
	assert.True(t, known)
	assert.True(t, allowed)
}

func TestPermissions_PageAccessPayloadShapes(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{payload: `true`, want: true},
		{payload: `false`, want: false},
		{payload: `{"allowed":true}`, want: true},
		{payload: `[{"allowed":true}]`, want: true},
		{payload: `[{"allowed":"yes"}]`, want: false},
		{payload: `{}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			caller := mocksauth.NewStaticProcedureCaller().Returns("check_page_access", tt.payload)
			p, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})
			ok, err := p.HasPageAccess(context.Background(), "x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPermissions_ErrorsAreNotCached(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller().Fails("check_page_access", context.DeadlineExceeded)
	p, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})
	ctx := context.Background()

	ok, err := p.HasPageAccess(ctx, "reports")
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	assert.False(t, ok)

	_, known := p.CachedPageAccess("reports")
	assert.False(t, known)

	_, _ = p.HasPageAccess(ctx, "reports")
	assert.Equal(t, 2, caller.Calls("check_page_access"))
}

func TestPermissions_MenuPermissions(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller().
		Returns("get_menu_permissions", `[{"menu_key":"dashboard"},{"menu_key":"reports"},{"other":1}]`)
	p, cache := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})
	ctx := context.Background()

	menu, err := p.MenuPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dashboard", "reports"}, menu)

	cached, ok := cache.GetMenuPermissions("u1")
	require.True(t, ok)
	assert.Equal(t, menu, cached)

	_, err = p.MenuPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.Calls("get_menu_permissions"))
}

func TestPermissions_MenuStringList(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller().Returns("get_menu_permissions", `["a","b"]`)
	p, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})

	menu, err := p.MenuPermissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, menu)
}

func TestPermissions_Warm(t *testing.T) {
	var mu sync.Mutex
	var pages []string
	caller := mocksauth.NewStaticProcedureCaller().
		Returns("get_menu_permissions", `["dashboard"]`).
		Handle("check_page_access", func(_ context.Context, args map[string]any) (json.RawMessage, error) {
			mu.Lock()
			pages = append(pages, args["p_page"].(string))
			mu.Unlock()
			return json.RawMessage(`{"allowed":true}`), nil
		})
	p, cache := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{
		WarmPages:       []string{"reports", "billing", "settings"},
		WarmConcurrency: 2,
	})

	require.NoError(t, p.Warm(context.Background()))

	sort.Strings(pages)
	assert.Equal(t, []string{"billing", "reports", "settings"}, pages)
	_, ok := cache.GetMenuPermissions("u1")
	assert.True(t, ok)
	for _, page := range []string{"reports", "billing", "settings"} {
		allowed, known := cache.GetPageAccess("u1", page)
		assert.True(t, known && allowed, page)
	}
}

func TestPermissions_WarmError(t *testing.T) {
	caller := mocksauth.NewStaticProcedureCaller().Fails("get_menu_permissions", errors.New("down"))
	p, _ := newTestPermissions(t, caller, authenticatedAs(domainauth.RoleClient), PermissionsConfig{})

	err := p.Warm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warm permissions")

	anon, _ := newTestPermissions(t, caller, &staticState{st: domainauth.Unauthenticated()}, PermissionsConfig{})
	require.NoError(t, anon.Warm(context.Background()))
}
