package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: remote auth backend and controller timings
//   - rpc.go: role/permission procedures and their transport
//   - storage.go: Postgres, Redis, role cache and role backup
//   - session.go: session validation, recovery and visibility refresh
//   - observability.go: metrics and the status endpoint
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel overrides the dev/prod default (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL"`

	// Authentication configuration
	Auth AuthConfig

	// Remote procedure configuration
	RPC RPCConfig `envPrefix:"RPC_"`

	// Storage configuration
	Postgres DBConfig     `envPrefix:"DB_"`
	Redis    RedisConfig  `envPrefix:"REDIS_"`
	Cache    CacheConfig  `envPrefix:"CACHE_"`
	Backup   BackupConfig `envPrefix:"BACKUP_"`

	// Session lifecycle configuration
	Session    SessionConfig    `envPrefix:"SESSION_"`
	Recovery   RecoveryConfig   `envPrefix:"RECOVERY_"`
	Visibility VisibilityConfig `envPrefix:"VISIBILITY_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Auth.Sanitize()
	c.RPC.Sanitize()
	c.Cache.Sanitize()
	c.Backup.Sanitize()
	c.Session.Sanitize()
	c.Recovery.Sanitize()
	c.Visibility.Sanitize()
	c.Observability.Sanitize()

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.detectDevMode()
}

// detectDevMode checks APP_ENV as a fallback when DEV is unset.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// NeedsPostgres reports whether any configured component talks to Postgres directly.
func (c *AppConfig) NeedsPostgres() bool {
	return c.RPC.Mode == RPCModePostgres
}

// NeedsRedis reports whether any configured component needs a Redis client.
func (c *AppConfig) NeedsRedis() bool {
	return c.Backup.Store == BackupStoreRedis
}
