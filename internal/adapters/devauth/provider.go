package devauth

// Package devauth provides a simple, config-driven RemoteAuthClient for local development.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/target/portal-auth/internal/adapters/authevents"
	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/ports"
)

var _ ports.RemoteAuthClient = (*Provider)(nil)

// Config controls the dev auth provider behavior.
// UserID, Email and Password are required.
type Config struct {
	UserID          string
	Email           string
	Password        string
	SessionDuration time.Duration // default 1h when zero
	Clock           core.Clock    // Optional
	Logger          *slog.Logger  // Optional
}

// Provider implements ports.RemoteAuthClient for local development.
// It accepts exactly one configured user and mints HS256 access tokens
// signed with a per-process key.
type Provider struct {
	identity        domainauth.Identity
	password        string
	sessionDuration time.Duration
	signingKey      []byte
	clock           core.Clock
	logger          *slog.Logger
	events          *authevents.Broadcaster

	mu      sync.Mutex
	session *domainauth.Session
}

// NewProvider constructs a dev auth provider from Config.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.UserID == "" {
		return nil, errors.New("dev auth: UserID is required")
	}
	if cfg.Email == "" {
		return nil, errors.New("dev auth: Email is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("dev auth: Password is required")
	}
	dur := cfg.SessionDuration
	if dur <= 0 {
		dur = time.Hour
	}
	key, err := randomString(32)
	if err != nil {
		return nil, fmt.Errorf("dev auth: generate signing key: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "devauth")
	return &Provider{
		identity: domainauth.Identity{
			UserID: cfg.UserID,
			Email:  strings.ToLower(strings.TrimSpace(cfg.Email)),
		},
		password:        cfg.Password,
		sessionDuration: dur,
		signingKey:      []byte(key),
		clock:           core.ClockOrReal(cfg.Clock),
		logger:          logger,
		events:          authevents.New(logger),
	}, nil
}

// GetSession returns the held session or nil when signed out.
func (p *Provider) GetSession(_ context.Context) (*domainauth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copySession(p.session), nil
}

// SignInWithPassword checks the configured credentials and emits SIGNED_IN.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*domainauth.Session, error) {
	if !strings.EqualFold(strings.TrimSpace(email), p.identity.Email) || password != p.password {
		return nil, apperrors.Rejected("Invalid login credentials")
	}
	sess, err := p.issue()
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "dev user signed in", "user_id", p.identity.UserID)
	p.events.Emit(domainauth.EventSignedIn, sess)
	return sess, nil
}

// RefreshSession extends the session and emits TOKEN_REFRESHED.
func (p *Provider) RefreshSession(_ context.Context) (*domainauth.Session, error) {
	p.mu.Lock()
	signedIn := p.session != nil
	p.mu.Unlock()
	if !signedIn {
		return nil, apperrors.Unauthorized("No refresh token available")
	}
	sess, err := p.issue()
	if err != nil {
		return nil, err
	}
	p.events.Emit(domainauth.EventTokenRefreshed, sess)
	return sess, nil
}

// SignOut forgets the session and emits SIGNED_OUT. There is nothing to revoke.
func (p *Provider) SignOut(_ context.Context, _ domainauth.SignOutScope) error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	p.events.Emit(domainauth.EventSignedOut, nil)
	return nil
}

// OnAuthStateChange subscribes fn to auth events.
func (p *Provider) OnAuthStateChange(fn ports.AuthEventHandler) func() {
	return p.events.Subscribe(fn)
}

func (p *Provider) issue() (*domainauth.Session, error) {
	now := p.clock.Now()
	exp := now.Add(p.sessionDuration)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   p.identity.UserID,
		"email": p.identity.Email,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}).SignedString(p.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign dev access token: %w", err)
	}
	refresh, err := randomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	sess := &domainauth.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         p.identity,
	}
	p.mu.Lock()
	p.session = copySession(sess)
	p.mu.Unlock()
	return sess, nil
}

func copySession(s *domainauth.Session) *domainauth.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func randomString(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	// Enough random bytes for at least n base64 URL chars.
	b := make([]byte, (n*3+3)/4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n], nil
}
