package oidc

// Package oidc implements ports.RemoteAuthClient against an OpenID Connect
// provider using the resource-owner password and refresh_token grants.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/target/portal-auth/internal/adapters/authevents"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/ports"
)

var _ ports.RemoteAuthClient = (*Provider)(nil)

// defaultSessionTTL applies when neither the token response nor the tokens carry an expiry.
const defaultSessionTTL = time.Hour

// ProviderConfig holds configuration for the OIDC client.
type ProviderConfig struct {
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	RevocationURL string       // Optional, overrides revocation_endpoint from discovery
	HTTPClient    *http.Client // Optional, defaults to a client with a public-suffix cookie jar
	Logger        *slog.Logger // Optional
}

// Provider holds the current session in memory and reports changes to subscribers.
type Provider struct {
	config        *oauth2.Config
	verifier      *gooidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	logger        *slog.Logger
	events        *authevents.Broadcaster

	mu      sync.Mutex
	token   *oauth2.Token
	session *domainauth.Session
}

// NewProvider runs OIDC discovery against the issuer and builds the client.
func NewProvider(ctx context.Context, config ProviderConfig) (*Provider, error) {
	if config.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "oidc_client")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(config.IssuerURL, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}

	var discovered struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if claimsErr := op.Claims(&discovered); claimsErr != nil {
		return nil, fmt.Errorf("decode discovery document: %w", claimsErr)
	}
	revocationURL := firstNonEmpty(config.RevocationURL, discovered.RevocationEndpoint)

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", gooidc.ScopeOfflineAccess}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Scopes:       scopes,
			Endpoint:     op.Endpoint(),
		},
		verifier:      op.Verifier(&gooidc.Config{ClientID: config.ClientID}),
		revocationURL: revocationURL,
		httpClient:    httpClient,
		logger:        logger,
		events:        authevents.New(logger),
	}, nil
}

// GetSession returns the held session or nil when signed out.
func (p *Provider) GetSession(_ context.Context) (*domainauth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copySession(p.session), nil
}

// SignInWithPassword runs the password grant and emits SIGNED_IN.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*domainauth.Session, error) {
	if email == "" || password == "" {
		return nil, apperrors.Rejected("Email and password are required")
	}
	tok, err := p.config.PasswordCredentialsToken(p.clientContext(ctx), email, password)
	if err != nil {
		return nil, mapTokenError(err, apperrors.Rejected("Invalid login credentials"))
	}
	sess, err := p.sessionFromToken(ctx, tok, nil)
	if err != nil {
		return nil, err
	}
	p.store(tok, sess)
	p.logger.InfoContext(ctx, "signed in", "user_id", sess.User.UserID)
	p.events.Emit(domainauth.EventSignedIn, sess)
	return copySession(sess), nil
}

// RefreshSession exchanges the refresh token and emits TOKEN_REFRESHED.
func (p *Provider) RefreshSession(ctx context.Context) (*domainauth.Session, error) {
	p.mu.Lock()
	current, prev := p.token, copySession(p.session)
	p.mu.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, apperrors.Unauthorized("No refresh token available")
	}

	src := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapTokenError(err, apperrors.Unauthorized("Refresh token expired or revoked"))
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	sess, err := p.sessionFromToken(ctx, tok, prev)
	if err != nil {
		return nil, err
	}
	p.store(tok, sess)
	p.events.Emit(domainauth.EventTokenRefreshed, sess)
	return copySession(sess), nil
}

// SignOut forgets the session and emits SIGNED_OUT. ScopeGlobal also revokes
// the refresh token at the provider; the local session is gone either way.
func (p *Provider) SignOut(ctx context.Context, scope domainauth.SignOutScope) error {
	p.mu.Lock()
	tok := p.token
	p.token = nil
	p.session = nil
	p.mu.Unlock()
	p.events.Emit(domainauth.EventSignedOut, nil)

	if scope != domainauth.ScopeGlobal || tok == nil {
		return nil
	}
	if p.revocationURL == "" {
		p.logger.DebugContext(ctx, "no revocation endpoint, global sign-out is local only")
		return nil
	}
	token, hint := tok.RefreshToken, "refresh_token"
	if token == "" {
		token, hint = tok.AccessToken, "access_token"
	}
	return p.revoke(ctx, token, hint)
}

// OnAuthStateChange subscribes fn to auth events.
func (p *Provider) OnAuthStateChange(fn ports.AuthEventHandler) func() {
	return p.events.Subscribe(fn)
}

func (p *Provider) revoke(ctx context.Context, token, hint string) error {
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(p.config.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return apperrors.MapRPCError(fmt.Errorf("revoke token: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.MapHTTPStatus(resp.StatusCode, body)
	}
	return nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *Provider) store(tok *oauth2.Token, sess *domainauth.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = tok
	p.session = copySession(sess)
}

// sessionFromToken reads the identity from a verified id_token when present,
// otherwise from the access token's claims. On refresh, prev fills in what
// the new tokens do not carry.
func (p *Provider) sessionFromToken(
	ctx context.Context,
	tok *oauth2.Token,
	prev *domainauth.Session,
) (*domainauth.Session, error) {
	var claims tokenClaims
	if rawID, idErr := getIDTokenFromToken(tok); idErr == nil {
		c, err := p.verifyIDToken(ctx, rawID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "Invalid session token")
		}
		claims = c
	} else if c, err := parseAccessToken(tok.AccessToken); err == nil {
		claims = c
	} else if prev == nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "Invalid session token")
	}

	id := mapClaims(claims)
	if prev != nil {
		if id.UserID == "" {
			id = prev.User
		} else if id.Email == "" && id.UserID == prev.User.UserID {
			id.Email = prev.User.Email
		}
	}
	if id.UserID == "" {
		return nil, apperrors.Unauthorized("Session token has no subject")
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() && claims.ExpiresAt > 0 {
		expiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultSessionTTL)
	}
	return &domainauth.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         id,
	}, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, raw string) (tokenClaims, error) {
	var c tokenClaims
	idTok, err := p.verifier.Verify(p.clientContext(ctx), raw)
	if err != nil {
		return c, fmt.Errorf("verify id_token: %w", err)
	}
	if err := idTok.Claims(&c); err != nil {
		return c, fmt.Errorf("parse id_token claims: %w", err)
	}
	return c, nil
}

// parseAccessToken reads claims from a JWT access token without verifying it.
// The token came straight from the token endpoint over TLS.
func parseAccessToken(raw string) (tokenClaims, error) {
	var c tokenClaims
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return c, fmt.Errorf("parse access token: %w", err)
	}
	c.Sub, _ = mc.GetSubject()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Unix()
	}
	c.Email, _ = mc["email"].(string)
	c.Mail, _ = mc["mail"].(string)
	c.PreferredUsername, _ = mc["preferred_username"].(string)
	return c, nil
}

// tokenClaims is the superset of claim shapes read from id and access tokens.
type tokenClaims struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	Mail              string `json:"mail"`
	PreferredUsername string `json:"preferred_username"`
	ExpiresAt         int64  `json:"exp"`
}

// mapClaims maps token claims to an Identity using precedence rules.
func mapClaims(c tokenClaims) domainauth.Identity {
	email := firstNonEmpty(c.Email, c.Mail)
	if email == "" && strings.Contains(c.PreferredUsername, "@") {
		email = c.PreferredUsername
	}
	return domainauth.Identity{
		UserID: c.Sub,
		Email:  strings.ToLower(strings.TrimSpace(email)),
	}
}

// mapTokenError converts token endpoint failures. invalid_grant becomes onInvalidGrant.
func mapTokenError(err error, onInvalidGrant error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return onInvalidGrant
		}
		status := http.StatusBadGateway
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return apperrors.MapHTTPStatus(status, re.Body)
	}
	return apperrors.MapRPCError(err)
}

// firstNonEmpty returns the first non-empty string from vals, or empty string if none.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// getIDTokenFromToken extracts the id_token from oauth2.Token.
func getIDTokenFromToken(tok *oauth2.Token) (string, error) {
	if tok == nil {
		return "", errors.New("nil token")
	}
	s, ok := tok.Extra("id_token").(string)
	if !ok || s == "" {
		return "", errors.New("missing id_token in token response")
	}
	return s, nil
}

func copySession(s *domainauth.Session) *domainauth.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
