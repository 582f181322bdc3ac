package keychain

// Package keychain persists the role backup in the OS keychain via go-keyring.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/target/portal-auth/internal/core"
	"github.com/target/portal-auth/internal/ports"
)

// DefaultService is the keychain service name used when none is configured.
const DefaultService = "portal-auth"

var _ ports.BackupStore = (*BackupStore)(nil)

// envelope carries the expiry the keychain itself cannot track.
type envelope struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// BackupStore implements ports.BackupStore on the OS keychain. Values are
// JSON envelopes with an optional expiry checked on read.
type BackupStore struct {
	service string
	clock   core.Clock
}

// NewBackupStore creates a keychain-backed store under service.
func NewBackupStore(service string, clock core.Clock) *BackupStore {
	if service == "" {
		service = DefaultService
	}
	return &BackupStore{service: service, clock: core.ClockOrReal(clock)}
}

// Get returns the stored value, or nil, nil when the key is missing or expired.
func (s *BackupStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to retrieve from keychain: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode keychain entry: %w", err)
	}
	if env.ExpiresAt > 0 && !s.clock.Now().Before(time.UnixMilli(env.ExpiresAt)) {
		if err := s.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("cleanup expired entry: %w", err)
		}
		return nil, nil
	}
	return env.Value, nil
}

// Set stores value under key. A ttl of 0 keeps it until deleted.
func (s *BackupStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("backup key cannot be empty")
	}
	if ttl < 0 {
		return errors.New("backup ttl cannot be negative")
	}
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.clock.Now().Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode keychain entry: %w", err)
	}
	if err := keyring.Set(s.service, key, string(data)); err != nil {
		return fmt.Errorf("failed to store in keychain: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BackupStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := keyring.Delete(s.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}
