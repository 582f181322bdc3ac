package redis

// Package redis provides Redis-based adapters for portal-auth.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/portal-auth/internal/ports"
)

const defaultPrefix = "portal-auth:"

var _ ports.BackupStore = (*BackupStore)(nil)

// BackupStore persists the role backup in Redis so it survives restarts and
// can be shared by processes acting for the same user.
type BackupStore struct {
	client redis.UniversalClient
	prefix string
}

// NewBackupStore creates a Redis-backed BackupStore with the default key prefix.
func NewBackupStore(client redis.UniversalClient) *BackupStore {
	return NewBackupStoreWithPrefix(client, defaultPrefix)
}

// NewBackupStoreWithPrefix creates a Redis-backed BackupStore with a custom key prefix.
func NewBackupStoreWithPrefix(client redis.UniversalClient, prefix string) *BackupStore {
	return &BackupStore{
		client: client,
		prefix: prefix,
	}
}

// Get returns the stored value, or nil, nil when the key does not exist.
func (s *BackupStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores value under key. A ttl of 0 keeps it until deleted.
func (s *BackupStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("backup key cannot be empty")
	}
	if ttl < 0 {
		return errors.New("backup ttl cannot be negative")
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BackupStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
