// Package core provides process-scoped building blocks shared by the auth services:
// the role cache and the clock abstraction.
package core

import (
	"strings"
	"sync"
	"time"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

// CacheKind namespaces cache entries that share one RoleCache.
type CacheKind string

const (
	CacheKindRole    CacheKind = "role"
	CacheKindPage    CacheKind = "page"
	CacheKindMenu    CacheKind = "menu"
	CacheKindGeneric CacheKind = "generic"
)

// RoleCacheConfig holds the TTL class of each entry kind.
type RoleCacheConfig struct {
	RoleTTL     time.Duration `json:"role_ttl"`
	PageTTL     time.Duration `json:"page_ttl"`
	MenuTTL     time.Duration `json:"menu_ttl"`
	GenericTTL  time.Duration `json:"generic_ttl"`
	FallbackTTL time.Duration `json:"fallback_ttl"`
}

// DefaultRoleCacheConfig returns a RoleCacheConfig with sensible defaults.
func DefaultRoleCacheConfig() RoleCacheConfig {
	return RoleCacheConfig{
		RoleTTL:     30 * time.Minute,
		PageTTL:     5 * time.Minute,
		MenuTTL:     10 * time.Minute,
		GenericTTL:  5 * time.Minute,
		FallbackTTL: time.Minute,
	}
}

// CachedRole is the value stored for role entries.
// Fallback marks a least-privilege default recorded after both lookups failed.
type CachedRole struct {
	Record   domainauth.RoleRecord
	Fallback bool
}

type cacheEntry struct {
	data      any
	createdAt time.Time
	ttl       time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// RoleCache is an in-memory, wall-clock TTL cache for role and permission lookups.
// Entries are never evicted by a timer; expiry is detected on read.
// It is safe for concurrent use.
type RoleCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	clock   Clock
	config  RoleCacheConfig
}

// RoleCacheOptions bundles dependencies for NewRoleCache.
type RoleCacheOptions struct {
	Clock  Clock
	Config RoleCacheConfig
}

// NewRoleCache creates an empty RoleCache. Zero TTLs in the config fall back to defaults.
func NewRoleCache(opts RoleCacheOptions) *RoleCache {
	cfg := opts.Config
	def := DefaultRoleCacheConfig()
	if cfg.RoleTTL <= 0 {
		cfg.RoleTTL = def.RoleTTL
	}
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = def.PageTTL
	}
	if cfg.MenuTTL <= 0 {
		cfg.MenuTTL = def.MenuTTL
	}
	if cfg.GenericTTL <= 0 {
		cfg.GenericTTL = def.GenericTTL
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = def.FallbackTTL
	}
	return &RoleCache{
		entries: make(map[string]cacheEntry),
		clock:   ClockOrReal(opts.Clock),
		config:  cfg,
	}
}

// Config returns the effective TTL configuration.
func (c *RoleCache) Config() RoleCacheConfig { return c.config }

// CacheKey builds the key for an entry of kind owned by identity, with an optional extra discriminator.
func CacheKey(kind CacheKind, identity, extra string) string {
	key := string(kind) + ":" + identity
	if extra != "" {
		key += ":" + extra
	}
	return key
}

// Set stores data under key for ttl. A ttl of 0 uses the generic TTL.
func (c *RoleCache) Set(key string, data any, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.config.GenericTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, createdAt: c.clock.Now(), ttl: ttl}
}

// Get returns the value under key. Expired entries are deleted and reported as a miss.
func (c *RoleCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.clock.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

// Invalidate clears every entry when pattern is empty, otherwise every key containing pattern.
// It returns the number of removed entries.
func (c *RoleCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pattern == "" {
		n := len(c.entries)
		c.entries = make(map[string]cacheEntry)
		return n
	}
	n := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateIdentity removes every entry of every kind owned by identity.
func (c *RoleCache) InvalidateIdentity(identity string) int {
	if identity == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if keyOwnedBy(k, identity) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func keyOwnedBy(key, identity string) bool {
	_, rest, ok := strings.Cut(key, ":")
	if !ok {
		return false
	}
	return rest == identity || strings.HasPrefix(rest, identity+":")
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *RoleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetRole caches a resolved role record for identity.
func (c *RoleCache) SetRole(identity string, rec domainauth.RoleRecord) {
	c.Set(CacheKey(CacheKindRole, identity, ""), CachedRole{Record: rec}, c.config.RoleTTL)
}

// SetRoleFallback records a least-privilege fallback so repeated failures don't hammer the backend.
func (c *RoleCache) SetRoleFallback(identity string) {
	c.Set(CacheKey(CacheKindRole, identity, ""), CachedRole{Record: domainauth.LeastPrivilege(), Fallback: true}, c.config.FallbackTTL)
}

// GetRole returns the cached role entry for identity.
func (c *RoleCache) GetRole(identity string) (CachedRole, bool) {
	v, ok := c.Get(CacheKey(CacheKindRole, identity, ""))
	if !ok {
		return CachedRole{}, false
	}
	cr, ok := v.(CachedRole)
	return cr, ok
}

// SetPageAccess caches a per-page permission boolean.
func (c *RoleCache) SetPageAccess(identity, page string, allowed bool) {
	c.Set(CacheKey(CacheKindPage, identity, page), allowed, c.config.PageTTL)
}

// GetPageAccess returns the cached permission for page.
func (c *RoleCache) GetPageAccess(identity, page string) (allowed, ok bool) {
	v, ok := c.Get(CacheKey(CacheKindPage, identity, page))
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SetMenuPermissions caches the menu permission list for identity.
func (c *RoleCache) SetMenuPermissions(identity string, perms []string) {
	cp := append([]string(nil), perms...)
	c.Set(CacheKey(CacheKindMenu, identity, ""), cp, c.config.MenuTTL)
}

// GetMenuPermissions returns the cached menu permission list.
func (c *RoleCache) GetMenuPermissions(identity string) ([]string, bool) {
	v, ok := c.Get(CacheKey(CacheKindMenu, identity, ""))
	if !ok {
		return nil, false
	}
	perms, ok := v.([]string)
	if !ok {
		return nil, false
	}
	return append([]string(nil), perms...), true
}
