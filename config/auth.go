package config

import (
	"fmt"
	"strings"
	"time"
)

// AuthMode selects the RemoteAuthClient implementation.
type AuthMode string

const (
	// AuthModeOIDC talks to an OpenID Connect provider using the password and refresh grants.
	AuthModeOIDC AuthMode = "oidc"
	// AuthModeDev uses a local, config-driven backend (for development only).
	AuthModeDev AuthMode = "dev"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "oidc", "dev":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: oidc, dev)", v)
	}
}

// OIDCConfig contains OpenID Connect client configuration.
type OIDCConfig struct {
	IssuerURL    string        `env:"ISSUER_URL"`
	ClientID     string        `env:"CLIENT_ID"     envDefault:"portal"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	Scope        string        `env:"SCOPE"         envDefault:"openid profile email offline_access"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT"  envDefault:"10s"`
	// RevocationURL overrides the revocation_endpoint from discovery.
	RevocationURL string `env:"REVOCATION_URL"`
}

// DevAuthConfig controls the local development backend.
// Used when AUTH_MODE=dev.
type DevAuthConfig struct {
	UserID          string        `env:"USER_ID"          envDefault:"dev-user"`
	Email           string        `env:"EMAIL"            envDefault:"dev@example.com"`
	Password        string        `env:"PASSWORD"         envDefault:"dev"`
	SessionDuration time.Duration `env:"SESSION_DURATION" envDefault:"1h"`
}

// AuthConfig groups remote auth configuration and controller timings.
type AuthConfig struct {
	// Mode determines which RemoteAuthClient to use.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"oidc"`

	OIDC    OIDCConfig    `envPrefix:"OIDC_"`
	DevAuth DevAuthConfig `envPrefix:"DEV_AUTH_"`

	// SignInGrace is the pause after a sign-in event before the role is resolved.
	SignInGrace time.Duration `env:"AUTH_SIGNIN_GRACE" envDefault:"500ms"`
	// StuckTimeout is how long loading may last while unauthenticated before recovery.
	StuckTimeout time.Duration `env:"AUTH_STUCK_TIMEOUT" envDefault:"15s"`
	// SignOutTimeout bounds the remote sign-out call.
	SignOutTimeout time.Duration `env:"AUTH_SIGNOUT_TIMEOUT" envDefault:"5s"`

	// SignInEmail and SignInPassword let portal-authd sign in on start.
	SignInEmail    string `env:"AUTH_SIGNIN_EMAIL"`
	SignInPassword string `env:"AUTH_SIGNIN_PASSWORD"`
}

// Sanitize applies guardrails to auth configuration.
func (c *AuthConfig) Sanitize() {
	c.OIDC.IssuerURL = strings.TrimRight(strings.TrimSpace(c.OIDC.IssuerURL), "/")
	c.OIDC.RevocationURL = strings.TrimSpace(c.OIDC.RevocationURL)
	if c.OIDC.HTTPTimeout <= 0 {
		c.OIDC.HTTPTimeout = 10 * time.Second
	}
	if c.DevAuth.SessionDuration <= 0 {
		c.DevAuth.SessionDuration = time.Hour
	}
	if c.SignInGrace < 0 {
		c.SignInGrace = 0
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 15 * time.Second
	}
	if c.SignOutTimeout <= 0 {
		c.SignOutTimeout = 5 * time.Second
	}
	c.SignInEmail = strings.TrimSpace(c.SignInEmail)
}

// Scopes returns the OIDC scopes as a slice.
func (c OIDCConfig) Scopes() []string {
	return strings.Fields(c.Scope)
}
