package memory

// Package memory keeps the role backup in process memory. It is the default
// store: the backup survives session churn but not a restart.

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/portal-auth/internal/core"
	"github.com/target/portal-auth/internal/ports"
)

const defaultCapacity = 64

var _ ports.BackupStore = (*BackupStore)(nil)

// BackupStore is a small LRU with per-entry TTL. Values are copied on the
// way in and out. Safe for concurrent use.
type BackupStore struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List // front = most recently used
	items map[string]*list.Element
	clock core.Clock
}

type entry struct {
	key    string
	value  []byte
	expiry time.Time // zero means no expiry
}

// Options configures a BackupStore.
type Options struct {
	Capacity int        // Optional: default 64
	Clock    core.Clock // Optional: defaults to the system clock
}

// NewBackupStore creates an empty store.
func NewBackupStore(opts Options) *BackupStore {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &BackupStore{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[string]*list.Element, capacity),
		clock: core.ClockOrReal(opts.Clock),
	}
}

// Get returns a copy of the value, or nil, nil when missing or expired.
func (s *BackupStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	ent := el.Value.(*entry)
	if !ent.expiry.IsZero() && !s.clock.Now().Before(ent.expiry) {
		s.remove(el)
		return nil, nil
	}
	s.ll.MoveToFront(el)
	return append([]byte(nil), ent.value...), nil
}

// Set stores a copy of value. A ttl of 0 keeps it until deleted or evicted.
func (s *BackupStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("backup key cannot be empty")
	}
	if ttl < 0 {
		return errors.New("backup ttl cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.clock.Now().Add(ttl)
	}
	value = append([]byte(nil), value...)

	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiry = exp
		s.ll.MoveToFront(el)
		return nil
	}
	s.items[key] = s.ll.PushFront(&entry{key: key, value: value, expiry: exp})
	for s.ll.Len() > s.cap {
		s.remove(s.ll.Back())
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BackupStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	return nil
}

// Len returns the number of entries, expired ones included until read.
func (s *BackupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// remove requires s.mu.
func (s *BackupStore) remove(el *list.Element) {
	s.ll.Remove(el)
	delete(s.items, el.Value.(*entry).key)
}
