package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/ports"
)

const (
	// DefaultBackupKey is the storage key of the role backup record.
	DefaultBackupKey = "portal:role-backup"
	// DefaultBackupMaxAge bounds how long a backup may stand in for a failed resolution.
	DefaultBackupMaxAge = 30 * time.Minute
)

// RoleBackupOptions groups dependencies for RoleBackupService.
type RoleBackupOptions struct {
	Store  ports.BackupStore // Required: durable key/value persistence
	Key    string            // Optional: defaults to DefaultBackupKey
	MaxAge time.Duration     // Optional: defaults to DefaultBackupMaxAge
	Clock  core.Clock        // Optional: defaults to the system clock
	Logger *slog.Logger      // Optional: structured logger
}

// RoleBackupService persists the last admin role so it can be shown while a
// fresh resolution is pending. A loaded backup is never authoritative.
type RoleBackupService struct {
	store  ports.BackupStore
	key    string
	maxAge time.Duration
	clock  core.Clock
	logger *slog.Logger
}

// NewRoleBackupService constructs a RoleBackupService.
func NewRoleBackupService(opts RoleBackupOptions) (*RoleBackupService, error) {
	if opts.Store == nil {
		return nil, errors.New("BackupStore is required")
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = DefaultBackupKey
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultBackupMaxAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleBackupService{
		store:  opts.Store,
		key:    key,
		maxAge: maxAge,
		clock:  core.ClockOrReal(opts.Clock),
		logger: logger.With("component", "role_backup"),
	}, nil
}

// MaxAge returns the configured backup lifetime.
func (s *RoleBackupService) MaxAge() time.Duration { return s.maxAge }

// Save writes a backup of role for email stamped with the current time.
func (s *RoleBackupService) Save(ctx context.Context, role domainauth.Role, email string) error {
	b := domainauth.RoleBackup{
		Role:        role,
		Email:       normalizeEmail(email),
		TimestampMS: s.clock.Now().UnixMilli(),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode role backup: %w", err)
	}
	if err := s.store.Set(ctx, s.key, raw, s.maxAge); err != nil {
		return fmt.Errorf("save role backup: %w", err)
	}
	return nil
}

// Load returns the backup for email, or nil when there is none usable.
// A backup for another email, older than MaxAge, or unreadable is deleted.
func (s *RoleBackupService) Load(ctx context.Context, email string) (*domainauth.RoleBackup, error) {
	raw, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load role backup: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var b domainauth.RoleBackup
	if err := json.Unmarshal(raw, &b); err != nil || b.Role == "" || b.TimestampMS == 0 {
		s.prune(ctx, "malformed")
		return nil, nil
	}
	if b.Email != normalizeEmail(email) {
		s.prune(ctx, "email_mismatch")
		return nil, nil
	}
	if age := b.Age(s.clock.Now()); age > s.maxAge || age < 0 {
		s.prune(ctx, "expired")
		return nil, nil
	}
	return &b, nil
}

// Valid reports whether b may still stand in for a failed resolution.
func (s *RoleBackupService) Valid(b *domainauth.RoleBackup) bool {
	if b == nil {
		return false
	}
	age := b.Age(s.clock.Now())
	return age >= 0 && age <= s.maxAge
}

// Clear removes the backup.
func (s *RoleBackupService) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear role backup: %w", err)
	}
	return nil
}

func (s *RoleBackupService) prune(ctx context.Context, reason string) {
	if err := s.store.Delete(ctx, s.key); err != nil {
		s.logger.WarnContext(ctx, "failed to prune role backup", "reason", reason, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "pruned role backup", "reason", reason)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
