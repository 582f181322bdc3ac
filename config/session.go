package config

import "time"

// SessionConfig controls session validity checks.
type SessionConfig struct {
	// SafetyMargin treats sessions expiring within this window as invalid.
	SafetyMargin time.Duration `env:"SAFETY_MARGIN" envDefault:"5m"`
	// ValidateMinInterval throttles real validation round trips.
	ValidateMinInterval time.Duration `env:"VALIDATE_MIN_INTERVAL" envDefault:"60s"`
	// CallTimeout bounds each GetSession/RefreshSession call.
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to session configuration.
func (c *SessionConfig) Sanitize() {
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.ValidateMinInterval < 0 {
		c.ValidateMinInterval = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// RecoveryConfig controls the bounded session recovery policy.
type RecoveryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	Cooldown    time.Duration `env:"COOLDOWN"     envDefault:"60s"`
	Pause       time.Duration `env:"PAUSE"        envDefault:"1s"`
	// BackoffBase is the minimum spacing after the first failed attempt; it doubles per attempt.
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"5s"`
}

// Sanitize applies guardrails to recovery configuration.
func (c *RecoveryConfig) Sanitize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.Pause < 0 {
		c.Pause = 0
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
}

// VisibilityConfig controls refresh on platform visibility signals.
type VisibilityConfig struct {
	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"30s"`
	// Standalone enables focus signals (installed app mode).
	Standalone    bool          `env:"STANDALONE"     envDefault:"false"`
	SettleVisible time.Duration `env:"SETTLE_VISIBLE" envDefault:"2s"`
	SettleFocus   time.Duration `env:"SETTLE_FOCUS"   envDefault:"2s"`
	SettleOnline  time.Duration `env:"SETTLE_ONLINE"  envDefault:"5s"`
	SettlePull    time.Duration `env:"SETTLE_PULL"    envDefault:"0s"`
}

// Sanitize applies guardrails to visibility configuration.
func (c *VisibilityConfig) Sanitize() {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	for _, d := range []*time.Duration{&c.SettleVisible, &c.SettleFocus, &c.SettleOnline, &c.SettlePull} {
		if *d < 0 {
			*d = 0
		}
	}
}
