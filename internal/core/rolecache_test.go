package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(clock Clock) *RoleCache {
	return NewRoleCache(RoleCacheOptions{Clock: clock})
}

func TestRoleCache_RoleTTL(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(t0)
	cache := newTestCache(clock)
	company := "Acme"
	cache.SetRole("u1", domainauth.RoleRecord{Role: domainauth.RoleAdmin, CompanyName: &company})

	clock.Set(t0.Add(1000 * time.Second))
	got, ok := cache.GetRole("u1")
	require.True(t, ok)
	assert.Equal(t, domainauth.RoleAdmin, got.Record.Role)
	assert.Equal(t, "Acme", *got.Record.CompanyName)
	assert.False(t, got.Fallback)

	clock.Set(t0.Add(1801 * time.Second))
	_, ok = cache.GetRole("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "expired entry is deleted on read")
}

func TestRoleCache_TTLClasses(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(t0)
	cache := newTestCache(clock)
	cache.SetPageAccess("u1", "/reports", true)
	cache.SetMenuPermissions("u1", []string{"reports", "billing"})
	cache.SetRoleFallback("u2")

	clock.Advance(61 * time.Second)
	_, ok := cache.GetRole("u2")
	assert.False(t, ok, "fallback entries expire after one minute")

	clock.Advance(4 * time.Minute)
	allowed, ok := cache.GetPageAccess("u1", "/reports")
	require.True(t, ok)
	assert.True(t, allowed)

	clock.Advance(time.Minute)
	_, ok = cache.GetPageAccess("u1", "/reports")
	assert.False(t, ok, "page entries expire after five minutes")

	perms, ok := cache.GetMenuPermissions("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"reports", "billing"}, perms)

	clock.Advance(5 * time.Minute)
	_, ok = cache.GetMenuPermissions("u1")
	assert.False(t, ok)
}

func TestRoleCache_FallbackFlag(t *testing.T) {
	t.Parallel()

	cache := newTestCache(NewManualClock(t0))
	cache.SetRoleFallback("u1")

	got, ok := cache.GetRole("u1")
	require.True(t, ok)
	assert.True(t, got.Fallback)
	assert.Equal(t, domainauth.RoleClient, got.Record.Role)
	assert.Nil(t, got.Record.CompanyName)
}

func TestRoleCache_Invalidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		removed int
		left    []string
	}{
		{name: "empty pattern clears all", pattern: "", removed: 4},
		{name: "substring match", pattern: "page:", removed: 2, left: []string{"role:u1", "role:u2"}},
		{name: "no match", pattern: "menu:", removed: 0, left: []string{"role:u1", "role:u2", "page:u1:/a", "page:u2:/a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := newTestCache(NewManualClock(t0))
			cache.Set("role:u1", 1, time.Minute)
			cache.Set("role:u2", 2, time.Minute)
			cache.Set("page:u1:/a", true, time.Minute)
			cache.Set("page:u2:/a", true, time.Minute)

			assert.Equal(t, tt.removed, cache.Invalidate(tt.pattern))
			assert.Equal(t, len(tt.left), cache.Len())
			for _, k := range tt.left {
				_, ok := cache.Get(k)
				assert.True(t, ok, k)
			}
		})
	}
}

func TestRoleCache_InvalidateIdentity(t *testing.T) {
	t.Parallel()

	cache := newTestCache(NewManualClock(t0))
	cache.SetRole("u1", domainauth.LeastPrivilege())
	cache.SetPageAccess("u1", "/a", true)
	cache.SetMenuPermissions("u1", nil)
	cache.SetRole("u10", domainauth.LeastPrivilege())

	assert.Equal(t, 3, cache.InvalidateIdentity("u1"))
	_, ok := cache.GetRole("u10")
	assert.True(t, ok, "prefix-sharing identities are kept")
	assert.Equal(t, 0, cache.InvalidateIdentity(""))
}

func TestRoleCache_DefaultsAndGenericTTL(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(t0)
	cache := NewRoleCache(RoleCacheOptions{Clock: clock, Config: RoleCacheConfig{RoleTTL: time.Hour}})
	assert.Equal(t, time.Hour, cache.Config().RoleTTL)
	assert.Equal(t, DefaultRoleCacheConfig().PageTTL, cache.Config().PageTTL)

	cache.Set(CacheKey(CacheKindGeneric, "u1", "x"), "v", 0)
	clock.Advance(5 * time.Minute)
	v, ok := cache.Get("generic:u1:x")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	cache.Set("", "ignored", time.Minute)
	assert.Equal(t, 1, cache.Len())
}

func TestRoleCache_MenuPermissionsAreCopied(t *testing.T) {
	t.Parallel()

	cache := newTestCache(NewManualClock(t0))
	perms := []string{"a"}
	cache.SetMenuPermissions("u1", perms)
	perms[0] = "mutated"

	got, ok := cache.GetMenuPermissions("u1")
	require.True(t, ok)
	got[0] = "again"

	again, _ := cache.GetMenuPermissions("u1")
	assert.Equal(t, []string{"a"}, again)
}

func TestRoleCache_Concurrent(t *testing.T) {
	t.Parallel()

	cache := newTestCache(RealClock{})
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			for range 100 {
				cache.SetRole(id, domainauth.LeastPrivilege())
				cache.GetRole(id)
				cache.Invalidate("page:")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, cache.Len())
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	c := NewManualClock(t0)
	c.Advance(time.Second)
	assert.Equal(t, t0.Add(time.Second), c.Now())
	c.Set(t0)
	assert.Equal(t, t0, c.Now())
	assert.IsType(t, RealClock{}, ClockOrReal(nil))
	assert.Same(t, c, ClockOrReal(c))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)

	c := NewManualClock(t0)
	require.NoError(t, c.Sleep(context.Background(), time.Minute))
	assert.Equal(t, t0.Add(time.Minute), c.Now())
	require.Error(t, c.Sleep(ctx, time.Minute))
	assert.Equal(t, t0.Add(time.Minute), c.Now())
	assert.NotNil(t, SleepOrReal(nil))
}
