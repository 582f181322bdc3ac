package auth

// Package auth contains domain-level types for the portal's client-side
// authentication state. It is pure and free of framework/adapter concerns.

import (
	"errors"
	"strings"
	"time"
)

// Role represents the coarse global permission level of a portal user.
// Keep string form for easy persistence in the local role backup.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// ErrEmptyRole is returned by ParseRole when the backend returned no role.
var ErrEmptyRole = errors.New("empty role")

// ParseRole normalises a role string returned by the backend.
// Unknown non-empty values map to the least-privileged role.
func ParseRole(s string) (Role, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "":
		return "", ErrEmptyRole
	case "admin", "administrator", "super_admin", "superadmin":
		return RoleAdmin, nil
	default:
		return RoleClient, nil
	}
}

// IsAdmin reports whether r grants admin access.
func (r Role) IsAdmin() bool { return r == RoleAdmin }

// Identity is the authenticated principal issued by the remote auth system.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// IsZero reports whether the identity carries no user.
func (i Identity) IsZero() bool { return i.UserID == "" && i.Email == "" }

// Session is a read-only copy of the session held by the remote auth client.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// ExpiresWithin reports whether the session is expired or will expire within margin of now.
// A nil session is always considered expired.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// SignOutScope selects whether a sign-out is local-only or revokes the session server-side.
type SignOutScope string

const (
	ScopeLocal  SignOutScope = "local"
	ScopeGlobal SignOutScope = "global"
)

// Event is an auth-state-change event emitted by the remote auth client.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// IsSignIn reports whether the event establishes (or re-establishes) an identity.
func (e Event) IsSignIn() bool {
	return e == EventSignedIn || e == EventInitialSession || e == EventUserUpdated
}

// RoleRecord is the derived role and tenant of an identity.
type RoleRecord struct {
	Role        Role    `json:"role"`
	CompanyName *string `json:"company_name,omitempty"`
}

// LeastPrivilege returns the default record used when the role cannot be resolved.
func LeastPrivilege() RoleRecord { return RoleRecord{Role: RoleClient} }

// RoleBackup is the locally persisted copy of the last admin role.
// It is only ever used as an interim display value.
type RoleBackup struct {
	Role        Role   `json:"role"`
	Email       string `json:"email"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Timestamp returns the backup creation time.
func (b RoleBackup) Timestamp() time.Time { return time.UnixMilli(b.TimestampMS) }

// Age returns how old the backup is at now.
func (b RoleBackup) Age(now time.Time) time.Duration { return now.Sub(b.Timestamp()) }

// RecoveryState tracks bounded session recovery attempts.
type RecoveryState struct {
	Recovering    bool
	Attempts      int
	LastAttemptAt time.Time
}
