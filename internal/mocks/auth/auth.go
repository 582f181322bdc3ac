package auth

// Package auth contains simple hand-written test doubles for auth ports.
// These are lightweight and suitable for unit tests without codegen.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/ports"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.RemoteAuthClient = (*MockRemoteAuth)(nil)
	_ ports.BackupStore      = (*MemoryBackupStore)(nil)
	_ ports.ProcedureCaller  = (*StaticProcedureCaller)(nil)
)

// MockRemoteAuth simulates the hosted auth backend. It is safe for concurrent use.
type MockRemoteAuth struct {
	GetSessionFunc     func(ctx context.Context) (*domainauth.Session, error)
	RefreshSessionFunc func(ctx context.Context) (*domainauth.Session, error)
	SignInFunc         func(ctx context.Context, email, password string) (*domainauth.Session, error)
	SignOutFunc        func(ctx context.Context, scope domainauth.SignOutScope) error

	mu          sync.Mutex
	session     *domainauth.Session
	handlers    map[int]ports.AuthEventHandler
	nextID      int
	subscribes  int
	getCalls    int
	refreshes   int
	signOuts    []domainauth.SignOutScope
	signInCalls int
}

// NewMockRemoteAuth creates a MockRemoteAuth with no session.
func NewMockRemoteAuth() *MockRemoteAuth {
	return &MockRemoteAuth{handlers: make(map[int]ports.AuthEventHandler)}
}

// NewSession builds a session for email that expires after ttl.
func NewSession(userID, email string, ttl time.Duration) *domainauth.Session {
	return &domainauth.Session{
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		ExpiresAt:    time.Now().Add(ttl),
		User:         domainauth.Identity{UserID: userID, Email: email},
	}
}

// SetSession replaces the held session without emitting an event.
func (m *MockRemoteAuth) SetSession(s *domainauth.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = copySession(s)
}

func (m *MockRemoteAuth) GetSession(ctx context.Context) (*domainauth.Session, error) {
	m.mu.Lock()
	m.getCalls++
	fn := m.GetSessionFunc
	sess := copySession(m.session)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return sess, nil
}

func (m *MockRemoteAuth) RefreshSession(ctx context.Context) (*domainauth.Session, error) {
	m.mu.Lock()
	m.refreshes++
	fn := m.RefreshSessionFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, errors.New("no session to refresh")
	}
	m.session.ExpiresAt = time.Now().Add(time.Hour)
	sess := copySession(m.session)
	m.mu.Unlock()

	m.Emit(domainauth.EventTokenRefreshed, sess)
	return sess, nil
}

func (m *MockRemoteAuth) SignInWithPassword(ctx context.Context, email, password string) (*domainauth.Session, error) {
	m.mu.Lock()
	m.signInCalls++
	fn := m.SignInFunc
	m.mu.Unlock()

	var (
		sess *domainauth.Session
		err  error
	)
	if fn != nil {
		sess, err = fn(ctx, email, password)
	} else {
		sess = NewSession("user-"+email, email, time.Hour)
	}
	if err != nil {
		return nil, err
	}

	m.SetSession(sess)
	m.Emit(domainauth.EventSignedIn, sess)
	return copySession(sess), nil
}

func (m *MockRemoteAuth) SignOut(ctx context.Context, scope domainauth.SignOutScope) error {
	m.mu.Lock()
	m.signOuts = append(m.signOuts, scope)
	fn := m.SignOutFunc
	m.session = nil
	m.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, scope)
	}
	m.Emit(domainauth.EventSignedOut, nil)
	return err
}

func (m *MockRemoteAuth) OnAuthStateChange(fn ports.AuthEventHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribes++
	m.handlers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Emit delivers an event to every subscriber.
func (m *MockRemoteAuth) Emit(event domainauth.Event, sess *domainauth.Session) {
	m.mu.Lock()
	handlers := make([]ports.AuthEventHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(event, copySession(sess))
	}
}

// Subscribers returns the number of active subscriptions.
func (m *MockRemoteAuth) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// SubscribeCalls returns how many times OnAuthStateChange was called.
func (m *MockRemoteAuth) SubscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

// GetSessionCalls returns how many times GetSession was called.
func (m *MockRemoteAuth) GetSessionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// RefreshCalls returns how many times RefreshSession was called.
func (m *MockRemoteAuth) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// SignOutScopes returns the scopes passed to SignOut, in call order.
func (m *MockRemoteAuth) SignOutScopes() []domainauth.SignOutScope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domainauth.SignOutScope(nil), m.signOuts...)
}

func copySession(s *domainauth.Session) *domainauth.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// MemoryBackupStore is an in-memory BackupStore for unit tests.
type MemoryBackupStore struct {
	mu     sync.Mutex
	values map[string][]byte

	// SetErr, when non-nil, is returned by Set.
	SetErr error
}

// NewMemoryBackupStore creates a new in-memory backup store.
func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{values: make(map[string][]byte)}
}

func (m *MemoryBackupStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackupStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackupStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryBackupStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// ProcedureFunc handles a single named procedure.
type ProcedureFunc func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// StaticProcedureCaller routes calls to per-procedure funcs and counts invocations.
type StaticProcedureCaller struct {
	mu     sync.Mutex
	funcs  map[string]ProcedureFunc
	counts map[string]int
}

// NewStaticProcedureCaller creates an empty caller; unknown procedures return an error.
func NewStaticProcedureCaller() *StaticProcedureCaller {
	return &StaticProcedureCaller{
		funcs:  make(map[string]ProcedureFunc),
		counts: make(map[string]int),
	}
}

// Handle registers fn for name.
func (s *StaticProcedureCaller) Handle(name string, fn ProcedureFunc) *StaticProcedureCaller {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
	return s
}

// Returns registers a fixed JSON payload for name.
func (s *StaticProcedureCaller) Returns(name, payload string) *StaticProcedureCaller {
	return s.Handle(name, func(context.Context, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
}

// Fails registers a fixed error for name.
func (s *StaticProcedureCaller) Fails(name string, err error) *StaticProcedureCaller {
	return s.Handle(name, func(context.Context, map[string]any) (json.RawMessage, error) {
		return nil, err
	})
}

func (s *StaticProcedureCaller) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	s.counts[name]++
	fn, ok := s.funcs[name]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("procedure %q not registered", name)
	}
	return fn(ctx, args)
}

// Calls returns how many times name was invoked.
func (s *StaticProcedureCaller) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}
