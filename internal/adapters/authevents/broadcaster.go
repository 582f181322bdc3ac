package authevents

// Package authevents fans remote auth events out to subscribers. It backs the
// OnAuthStateChange method of the RemoteAuthClient adapters.

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/ports"
)

// Broadcaster delivers events to every subscriber. The zero value is not usable; use New.
type Broadcaster struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[uuid.UUID]ports.AuthEventHandler
}

// New creates an empty Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:   logger,
		handlers: make(map[uuid.UUID]ports.AuthEventHandler),
	}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Broadcaster) Subscribe(fn ports.AuthEventHandler) func() {
	id := uuid.New()
	b.mu.Lock()
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Emit calls each subscriber with its own copy of sess. Handlers run outside
// the lock; a panicking handler is logged and the rest still run.
func (b *Broadcaster) Emit(event domainauth.Event, sess *domainauth.Session) {
	b.mu.Lock()
	handlers := make([]ports.AuthEventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, event, sess)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *Broadcaster) deliver(h ports.AuthEventHandler, event domainauth.Event, sess *domainauth.Session) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("auth event handler panicked", "event", string(event), "panic", r)
		}
	}()
	var cp *domainauth.Session
	if sess != nil {
		s := *sess
		cp = &s
	}
	h(event, cp)
}
