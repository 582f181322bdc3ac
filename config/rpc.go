package config

import (
	"fmt"
	"strings"
	"time"
)

// RPCMode selects the ProcedureCaller transport.
type RPCMode string

const (
	// RPCModePostgres calls database functions directly over pgx.
	RPCModePostgres RPCMode = "postgres"
	// RPCModeREST calls PostgREST-style `/rpc/<name>` endpoints over HTTP.
	RPCModeREST RPCMode = "rest"
)

// UnmarshalText implements encoding.TextUnmarshaler for RPCMode.
func (m *RPCMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "postgres", "rest":
		*m = RPCMode(v)
		return nil
	default:
		return fmt.Errorf("invalid RPCMode: %q (valid options: postgres, rest)", v)
	}
}

// RESTConfig configures the HTTP procedure transport.
type RESTConfig struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:54321/rest/v1"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT"  envDefault:"10s"`
}

// RPCConfig names the role and permission procedures and how their payloads are read.
type RPCConfig struct {
	Mode   RPCMode    `env:"MODE"   envDefault:"rest"`
	Schema string     `env:"SCHEMA" envDefault:"public"`
	REST   RESTConfig `envPrefix:"REST_"`

	PrimaryProcedure    string `env:"PRIMARY_PROCEDURE"     envDefault:"get_user_role_and_company"`
	SecondaryProcedure  string `env:"SECONDARY_PROCEDURE"   envDefault:"get_user_role_by_email"`
	PageAccessProcedure string `env:"PAGE_ACCESS_PROCEDURE" envDefault:"check_page_access"`
	MenuProcedure       string `env:"MENU_PROCEDURE"        envDefault:"get_menu_permissions"`

	PrimaryTimeout    time.Duration `env:"PRIMARY_TIMEOUT"    envDefault:"5s"`
	SecondaryTimeout  time.Duration `env:"SECONDARY_TIMEOUT"  envDefault:"3s"`
	PermissionTimeout time.Duration `env:"PERMISSION_TIMEOUT" envDefault:"5s"`

	// JMESPath expressions applied to procedure results.
	RoleExpr    string `env:"ROLE_EXPR"    envDefault:"role || [0].role"`
	CompanyExpr string `env:"COMPANY_EXPR" envDefault:"company_name || companyName || [0].company_name"`
	AllowedExpr string `env:"ALLOWED_EXPR" envDefault:"allowed || [0].allowed"`
	MenuExpr    string `env:"MENU_EXPR"    envDefault:"[*].menu_key || @"`

	// WarmPages are page keys whose access is prefetched after each sign-in.
	WarmPages []string `env:"WARM_PAGES"`
}

// Sanitize applies guardrails to RPC configuration.
func (c *RPCConfig) Sanitize() {
	if c.Mode == "" {
		c.Mode = RPCModeREST
	}
	if c.Schema = strings.TrimSpace(c.Schema); c.Schema == "" {
		c.Schema = "public"
	}
	c.REST.BaseURL = strings.TrimRight(strings.TrimSpace(c.REST.BaseURL), "/")
	if c.REST.Timeout <= 0 {
		c.REST.Timeout = 10 * time.Second
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = 5 * time.Second
	}
	if c.SecondaryTimeout <= 0 {
		c.SecondaryTimeout = 3 * time.Second
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 5 * time.Second
	}
	pages := c.WarmPages[:0]
	for _, p := range c.WarmPages {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	c.WarmPages = pages
}
