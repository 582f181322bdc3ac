package ports

// Package ports defines interfaces (hexagonal ports) for auth-related behavior.
// Implementations live in internal/adapters; orchestration in internal/service.

import (
	"context"
	"encoding/json"
	"time"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

// AuthEventHandler receives auth-state-change events. Implementations must not block.
type AuthEventHandler func(event domainauth.Event, session *domainauth.Session)

// RemoteAuthClient is the hosted authentication backend as seen from the client.
// It exclusively owns the session tokens.
type RemoteAuthClient interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*domainauth.Session, error)

	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context) (*domainauth.Session, error)

	// SignInWithPassword authenticates with credentials and establishes a session.
	SignInWithPassword(ctx context.Context, email, password string) (*domainauth.Session, error)

	// SignOut clears the session; ScopeGlobal also revokes it server-side.
	SignOut(ctx context.Context, scope domainauth.SignOutScope) error

	// OnAuthStateChange subscribes to auth events and returns an unsubscribe func.
	OnAuthStateChange(fn AuthEventHandler) (unsubscribe func())
}

// ProcedureCaller invokes named remote procedures (role lookup, permission listing).
type ProcedureCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// BackupStore is small durable key/value persistence for the local role backup.
type BackupStore interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; a ttl of 0 means the store does not expire it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
