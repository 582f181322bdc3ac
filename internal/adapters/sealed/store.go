// Package sealed encrypts role backup values before they reach a BackupStore.
package sealed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/target/portal-auth/internal/ports"
)

// Versioned prefix to allow future key/algorithm rotations.
const prefixV1 = "v1:"

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

var _ ports.BackupStore = (*Store)(nil)

// ParseKey decodes a 32-byte key given as 64 hex characters or standard base64.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("encryption key is empty")
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Store wraps a BackupStore with AES-256-GCM. The storage key is bound as
// additional data so a value copied to another key fails to open.
type Store struct {
	inner  ports.BackupStore
	aead   cipher.AEAD
	logger *slog.Logger
}

// Options configures a sealed Store.
type Options struct {
	Inner  ports.BackupStore // Required
	Key    []byte            // Required: KeySize bytes
	Logger *slog.Logger      // Optional
}

// NewStore constructs a sealed Store.
func NewStore(opts Options) (*Store, error) {
	if opts.Inner == nil {
		return nil, errors.New("inner BackupStore is required")
	}
	if len(opts.Key) != KeySize {
		return nil, fmt.Errorf("aes-gcm key must be %d bytes, got %d", KeySize, len(opts.Key))
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{inner: opts.Inner, aead: aead, logger: logger.With("component", "sealed_backup_store")}, nil
}

// Get opens the stored value. A value that cannot be opened (wrong key,
// tampering, plaintext from before encryption was enabled) is deleted and
// reported as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	plain, err := s.open(key, raw)
	if err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable sealed value", "key", key, "error", err)
		if derr := s.inner.Delete(ctx, key); derr != nil {
			s.logger.WarnContext(ctx, "delete unreadable sealed value", "key", key, "error", derr)
		}
		return nil, nil
	}
	return plain, nil
}

// Set seals value with a fresh nonce and stores it.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return fmt.Errorf("seal backup value: %w", err)
	}
	return s.inner.Set(ctx, key, sealed, ttl)
}

// Delete removes key from the inner store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Store) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	// nonce||ciphertext
	buf := s.aead.Seal(nonce, nonce, plaintext, []byte(key))
	out := make([]byte, 0, len(prefixV1)+base64.StdEncoding.EncodedLen(len(buf)))
	out = append(out, prefixV1...)
	return base64.StdEncoding.AppendEncode(out, buf), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, error) {
	text := string(sealed)
	if !strings.HasPrefix(text, prefixV1) {
		return nil, errors.New("unknown ciphertext version")
	}
	data, err := base64.StdEncoding.DecodeString(text[len(prefixV1):])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, data[:n], data[n:], []byte(key))
}
