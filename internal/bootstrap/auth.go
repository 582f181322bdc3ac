package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"golang.org/x/net/publicsuffix"

	"github.com/target/portal-auth/config"
	"github.com/target/portal-auth/internal/adapters/devauth"
	"github.com/target/portal-auth/internal/adapters/oidc"
	"github.com/target/portal-auth/internal/ports"
)

// BuildRemoteAuth creates the RemoteAuthClient for the configured auth mode.
//
//nolint:ireturn // the concrete client depends on AUTH_MODE.
func BuildRemoteAuth(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (ports.RemoteAuthClient, error) {
	switch cfg.Mode {
	case config.AuthModeDev:
		if logger != nil {
			logger.WarnContext(ctx, "using dev auth backend; do not use in production", "email", cfg.DevAuth.Email)
		}
		prov, err := devauth.NewProvider(devauth.Config{
			UserID:          cfg.DevAuth.UserID,
			Email:           cfg.DevAuth.Email,
			Password:        cfg.DevAuth.Password,
			SessionDuration: cfg.DevAuth.SessionDuration,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dev auth: %w", err)
		}
		return prov, nil

	case config.AuthModeOIDC, "":
		oc := cfg.OIDC
		if oc.IssuerURL == "" || oc.ClientID == "" {
			return nil, errors.New("AUTH_MODE=oidc requires OIDC_ISSUER_URL and OIDC_CLIENT_ID")
		}
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		prov, err := oidc.NewProvider(ctx, oidc.ProviderConfig{
			IssuerURL:     oc.IssuerURL,
			ClientID:      oc.ClientID,
			ClientSecret:  oc.ClientSecret,
			Scopes:        oc.Scopes(),
			RevocationURL: oc.RevocationURL,
			HTTPClient:    &http.Client{Timeout: oc.HTTPTimeout, Jar: jar},
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		return prov, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}
