package config

import (
	"fmt"
	"strings"
	"time"
)

// DBConfig contains PostgreSQL connection configuration for RPC_MODE=postgres.
type DBConfig struct {
	Host     string `env:"HOST"      envDefault:"localhost"`
	Port     int    `env:"PORT"      envDefault:"5432"`
	User     string `env:"USER"      envDefault:"portal"`
	Password string `env:"PASSWORD"  envDefault:"portal"`
	Name     string `env:"NAME"      envDefault:"portal"`
	SSLMode  string `env:"SSL_MODE"  envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	MaxConns int32  `env:"MAX_CONNS" envDefault:"4"`
}

// RedisConfig contains Redis configuration for BACKUP_STORE=redis.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains the in-memory role cache TTL classes.
type CacheConfig struct {
	RoleTTL     time.Duration `env:"ROLE_TTL"     envDefault:"30m"`
	PageTTL     time.Duration `env:"PAGE_TTL"     envDefault:"5m"`
	MenuTTL     time.Duration `env:"MENU_TTL"     envDefault:"10m"`
	GenericTTL  time.Duration `env:"GENERIC_TTL"  envDefault:"5m"`
	FallbackTTL time.Duration `env:"FALLBACK_TTL" envDefault:"1m"`
}

// Sanitize applies guardrails to cache TTLs.
func (c *CacheConfig) Sanitize() {
	if c.RoleTTL <= 0 {
		c.RoleTTL = 30 * time.Minute
	}
	if c.PageTTL <= 0 {
		c.PageTTL = 5 * time.Minute
	}
	if c.MenuTTL <= 0 {
		c.MenuTTL = 10 * time.Minute
	}
	if c.GenericTTL <= 0 {
		c.GenericTTL = 5 * time.Minute
	}
	if c.FallbackTTL <= 0 || c.FallbackTTL > c.RoleTTL {
		c.FallbackTTL = time.Minute
	}
}

// BackupStoreKind selects where the local admin role backup is persisted.
type BackupStoreKind string

const (
	BackupStoreMemory   BackupStoreKind = "memory"
	BackupStoreRedis    BackupStoreKind = "redis"
	BackupStoreKeychain BackupStoreKind = "keychain"
)

// UnmarshalText implements encoding.TextUnmarshaler for BackupStoreKind.
func (k *BackupStoreKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "memory", "redis", "keychain":
		*k = BackupStoreKind(v)
		return nil
	default:
		return fmt.Errorf("invalid BackupStoreKind: %q (valid options: memory, redis, keychain)", v)
	}
}

// BackupConfig controls the role backup record.
type BackupConfig struct {
	Store BackupStoreKind `env:"STORE" envDefault:"memory"`
	Key   string          `env:"KEY"   envDefault:"portal:role-backup"`
	// MaxAge is how long a backup may serve as an interim value.
	MaxAge time.Duration `env:"MAX_AGE" envDefault:"30m"`
	// RevalidateInterval spaces background re-resolution while a backup is shown.
	RevalidateInterval time.Duration `env:"REVALIDATE_INTERVAL" envDefault:"30s"`
	// KeychainService is the OS keychain service name for BACKUP_STORE=keychain.
	KeychainService string `env:"KEYCHAIN_SERVICE" envDefault:"portal-auth"`
	// EncryptionKey seals backup values with AES-256-GCM when set (64 hex chars or base64).
	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

// Sanitize applies guardrails to backup configuration.
func (c *BackupConfig) Sanitize() {
	if c.Store == "" {
		c.Store = BackupStoreMemory
	}
	if c.Key = strings.TrimSpace(c.Key); c.Key == "" {
		c.Key = "portal:role-backup"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = 30 * time.Second
	}
	if c.RevalidateInterval > c.MaxAge {
		c.RevalidateInterval = c.MaxAge
	}
	c.EncryptionKey = strings.TrimSpace(c.EncryptionKey)
	if c.KeychainService = strings.TrimSpace(c.KeychainService); c.KeychainService == "" {
		c.KeychainService = "portal-auth"
	}
}
