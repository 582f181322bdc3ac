package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/observability/metrics"
	"github.com/target/portal-auth/internal/observability/statsd"
	"github.com/target/portal-auth/internal/ports"
)

// eventQueueSize bounds the number of auth events waiting to be processed.
const eventQueueSize = 64

// Transition triggers reported in logs and metrics.
const (
	triggerBootstrap  = "bootstrap"
	triggerRefresh    = "refresh"
	triggerSignIn     = "sign_in"
	triggerSignOut    = "sign_out"
	triggerRevalidate = "revalidate"
	triggerStuck      = "stuck_loading"
	triggerExpired    = "backup_expired"
)

// AuthControllerConfig tunes AuthController timing.
type AuthControllerConfig struct {
	// SignInGrace is the pause after a sign-in event before resolving the role.
	SignInGrace time.Duration
	// StuckTimeout is how long Loading may last while unauthenticated before recovery.
	StuckTimeout time.Duration
	// SignOutTimeout bounds the remote sign-out call.
	SignOutTimeout time.Duration
	// CallTimeout bounds session lookups made by the controller.
	CallTimeout time.Duration
	// RevalidateInterval spaces re-resolutions while a provisional backup role is shown.
	RevalidateInterval time.Duration
}

// DefaultAuthControllerConfig returns an AuthControllerConfig with sensible defaults.
func DefaultAuthControllerConfig() AuthControllerConfig {
	return AuthControllerConfig{
		SignInGrace:        500 * time.Millisecond,
		StuckTimeout:       15 * time.Second,
		SignOutTimeout:     5 * time.Second,
		CallTimeout:        10 * time.Second,
		RevalidateInterval: 30 * time.Second,
	}
}

func (c AuthControllerConfig) withDefaults() AuthControllerConfig {
	def := DefaultAuthControllerConfig()
	if c.SignInGrace <= 0 {
		c.SignInGrace = def.SignInGrace
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = def.StuckTimeout
	}
	if c.SignOutTimeout <= 0 {
		c.SignOutTimeout = def.SignOutTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = def.RevalidateInterval
	}
	return c
}

// AuthControllerOptions groups dependencies for AuthController.
type AuthControllerOptions struct {
	Remote   ports.RemoteAuthClient // Required: hosted auth backend
	Resolver *RoleResolver          // Required: role lookups
	Cache    *core.RoleCache        // Required: shared role cache
	Backup   *RoleBackupService     // Optional: nil disables the admin backup
	Recovery *SessionRecovery       // Optional: nil disables session recovery
	Config   AuthControllerConfig   // Optional: zero fields fall back to defaults
	Sleep    core.SleepFunc         // Optional: defaults to a timer-backed sleep
	Logger   *slog.Logger           // Optional: structured logger
	Metrics  statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

type queuedEvent struct {
	event   domainauth.Event
	session *domainauth.Session
}

// resolveOutcome classifies the end of one resolution.
type resolveOutcome int

const (
	outcomeResolved resolveOutcome = iota
	outcomeProvisional
	outcomeFailed
	outcomeStale
)

// AuthController owns the canonical AuthState. It is the only writer of that
// state and drives role resolution from remote auth events, explicit refreshes
// and sign-out.
//
// Concurrency:
// - state, generation, watchers, the watchdog and the revalidation handle are guarded by mu
// - full resolutions are serialized by resolveMu
// - RefreshAuth callers collapse onto one in-flight call
// - auth events are processed in order by a single goroutine
// - a sign-out bumps the generation so in-flight results are dropped
type AuthController struct {
	remote   ports.RemoteAuthClient
	resolver *RoleResolver
	cache    *core.RoleCache
	backup   *RoleBackupService
	recovery *SessionRecovery
	config   AuthControllerConfig
	sleep    core.SleepFunc
	logger   *slog.Logger
	metrics  statsd.Sink

	initialized atomic.Bool
	unsubscribe func()

	mu           sync.Mutex
	state        domainauth.AuthState
	generation   uint64
	watchers     map[int]chan domainauth.AuthState
	nextWatcher  int
	watchdogID   uint64
	watchdog     context.CancelFunc
	revalidateID uint64
	revalidate   context.CancelFunc

	resolveMu sync.Mutex
	backupMu  sync.Mutex

	refreshGroup   singleflight.Group
	refreshing     atomic.Bool
	resolving      atomic.Int32
	refreshWaiters atomic.Int32

	queueMu sync.Mutex
	queue   []queuedEvent
	wake    chan struct{}

	lifeMu  sync.Mutex
	closed  bool
	lifeCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAuthController constructs an AuthController. Call Initialize to start it.
func NewAuthController(opts AuthControllerOptions) (*AuthController, error) {
	if opts.Remote == nil {
		return nil, errors.New("RemoteAuthClient is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("RoleResolver is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("RoleCache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	c := &AuthController{
		remote:   opts.Remote,
		resolver: opts.Resolver,
		cache:    opts.Cache,
		backup:   opts.Backup,
		recovery: opts.Recovery,
		config:   opts.Config.withDefaults(),
		sleep:    core.SleepOrReal(opts.Sleep),
		logger:   logger.With("component", "auth_controller"),
		metrics:  opts.Metrics,
		state:    domainauth.Unauthenticated(),
		watchers: make(map[int]chan domainauth.AuthState),
		wake:     make(chan struct{}, 1),
		lifeCtx:  lifeCtx,
		cancel:   cancel,
	}
	if c.recovery != nil {
		c.recovery.SetOnRecovered(c.RefreshAuth)
	}
	return c, nil
}

// Initialize subscribes to remote auth events, starts the event loop and
// bootstraps from the current session. Only the first call does anything.
func (c *AuthController) Initialize(ctx context.Context) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return nil
	}
	unsubscribe := c.remote.OnAuthStateChange(c.HandleAuthEvent)
	c.lifeMu.Lock()
	c.unsubscribe = unsubscribe
	c.lifeMu.Unlock()
	c.goSafe("event_loop", c.eventLoop)
	c.bootstrap(ctx)
	return nil
}

// Close stops background work and unsubscribes from remote events.
func (c *AuthController) Close() {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.lifeMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.mu.Lock()
	c.stopWatchdogLocked()
	c.mu.Unlock()
	c.stopRevalidation()
	c.wg.Wait()
}

// State returns a snapshot of the current auth state.
func (c *AuthController) State() domainauth.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Generation changes every time local state is cleared by a sign-out.
func (c *AuthController) Generation() uint64 { return c.currentGeneration() }

// IsRefreshing reports whether an explicit refresh or any role resolution is
// in flight, including ones started by auth events and revalidation.
func (c *AuthController) IsRefreshing() bool {
	return c.refreshing.Load() || c.resolving.Load() > 0
}

// Watch returns a channel carrying the latest state. The current state is sent
// immediately; a slow reader only ever sees the newest value. The channel is
// closed when ctx is done or the controller is closed.
func (c *AuthController) Watch(ctx context.Context) <-chan domainauth.AuthState {
	ch := make(chan domainauth.AuthState, 1)

	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.state.Clone()
	c.mu.Unlock()

	remove := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	}
	if !c.goSafe("watch", func() {
		select {
		case <-ctx.Done():
		case <-c.lifeCtx.Done():
		}
		remove()
	}) {
		remove()
	}
	return ch
}

// HandleAuthEvent enqueues a remote auth event. It never blocks; when the
// queue is full the oldest TOKEN_REFRESHED is dropped, else the oldest event.
func (c *AuthController) HandleAuthEvent(event domainauth.Event, session *domainauth.Session) {
	c.queueMu.Lock()
	if len(c.queue) >= eventQueueSize {
		drop := 0
		for i, ev := range c.queue {
			if ev.event == domainauth.EventTokenRefreshed {
				drop = i
				break
			}
		}
		dropped := c.queue[drop]
		c.queue = append(c.queue[:drop], c.queue[drop+1:]...)
		c.logger.Warn("auth event queue full, dropping event", "dropped", string(dropped.event))
	}
	c.queue = append(c.queue, queuedEvent{event: event, session: copySession(session)})
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RefreshAuth forces a role resolution that bypasses the cache. Concurrent
// callers share one resolution. Backend failures are reported through
// AuthState.Error; only ctx errors are returned.
func (c *AuthController) RefreshAuth(ctx context.Context) error {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		c.refreshing.Store(true)
		defer c.refreshing.Store(false)
		c.refreshOnce(c.lifeCtx)
		return nil, nil
	})
	c.refreshWaiters.Add(1)
	defer c.refreshWaiters.Add(-1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// SignIn authenticates with credentials. The SIGNED_IN event that follows
// drives role resolution; failures are also surfaced in AuthState.Error.
func (c *AuthController) SignIn(ctx context.Context, email, password string) error {
	c.update(triggerSignIn, func(s *domainauth.AuthState) { s.Error = "" })

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	if _, err := c.remote.SignInWithPassword(callCtx, email, password); err != nil {
		c.logger.WarnContext(ctx, "sign-in failed", "error_code", apperrors.GetCode(err), "error", err)
		c.update(triggerSignIn, func(s *domainauth.AuthState) { s.Error = apperrors.UserMessage(err) })
		return fmt.Errorf("sign in: %w", err)
	}
	return nil
}

// SignOut clears all local state, the whole role cache, the role backup and
// the recovery counter, then revokes the session remotely. Local state is
// cleared even when the remote call fails; that error is returned.
func (c *AuthController) SignOut(ctx context.Context) error {
	c.clearLocal(ctx, triggerSignOut, nil, true)

	callCtx, cancel := context.WithTimeout(ctx, c.config.SignOutTimeout)
	defer cancel()
	if err := c.remote.SignOut(callCtx, domainauth.ScopeGlobal); err != nil {
		c.logger.WarnContext(ctx, "remote sign-out failed", "error", err)
		return fmt.Errorf("remote sign-out: %w", err)
	}
	return nil
}

// clearLocal resets to the unauthenticated state and erases the backup. With
// all set the whole cache and the recovery counter are reset; otherwise only
// the entries of id go.
func (c *AuthController) clearLocal(ctx context.Context, trigger string, id *domainauth.Identity, all bool) {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.stopRevalidation()

	c.update(trigger, func(s *domainauth.AuthState) { *s = domainauth.Unauthenticated() })

	switch {
	case all:
		c.cache.Invalidate("")
		if c.recovery != nil {
			c.recovery.Reset()
		}
	case id != nil:
		c.invalidateIdentity(*id)
	}

	if c.backup != nil {
		c.backupMu.Lock()
		if err := c.backup.Clear(ctx); err != nil {
			c.logger.WarnContext(ctx, "failed to clear role backup", "error", err)
		}
		c.backupMu.Unlock()
	}
}

func (c *AuthController) invalidateIdentity(id domainauth.Identity) {
	if id.UserID != "" {
		c.cache.InvalidateIdentity(id.UserID)
	}
	if id.Email != "" {
		c.cache.InvalidateIdentity(id.Email)
	}
}

func (c *AuthController) bootstrap(ctx context.Context) {
	gen := c.currentGeneration()
	c.updateIf(gen, triggerBootstrap, func(s *domainauth.AuthState) {
		s.Loading = true
		s.Error = ""
		if s.Identity == nil {
			s.Phase = domainauth.PhaseResolving
		}
	})

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	sess, err := c.remote.GetSession(callCtx)
	cancel()
	if err != nil {
		c.logger.WarnContext(ctx, "initial session lookup failed", "error", err)
		c.updateIf(gen, triggerBootstrap, func(s *domainauth.AuthState) {
			*s = domainauth.Unauthenticated()
			s.Error = apperrors.UserMessage(err)
		})
		if IsRecoverableError(err) {
			c.startRecovery(RecoveryReasonSessionError)
		}
		return
	}
	if sess == nil {
		c.updateIf(gen, triggerBootstrap, func(s *domainauth.AuthState) { *s = domainauth.Unauthenticated() })
		return
	}
	c.resolve(ctx, gen, sess, triggerBootstrap, resolveParams{loading: true})
}

func (c *AuthController) refreshOnce(ctx context.Context) {
	gen := c.currentGeneration()
	sess := c.State().Session
	if sess == nil {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		var err error
		sess, err = c.remote.GetSession(callCtx)
		cancel()
		if err != nil {
			c.logger.WarnContext(ctx, "session lookup failed during refresh", "error", err)
			c.updateIf(gen, triggerRefresh, func(s *domainauth.AuthState) {
				s.Loading = false
				s.Error = apperrors.UserMessage(err)
			})
			if IsRecoverableError(err) {
				c.startRecovery(RecoveryReasonSessionError)
			}
			return
		}
	}
	if sess == nil {
		c.updateIf(gen, triggerRefresh, func(s *domainauth.AuthState) { *s = domainauth.Unauthenticated() })
		return
	}
	c.resolve(ctx, gen, sess, triggerRefresh, resolveParams{bypassCache: true, loading: true})
}

type resolveParams struct {
	bypassCache bool
	loading     bool
}

// resolve runs one full role resolution for sess and publishes the result
// unless a sign-out happened meanwhile.
func (c *AuthController) resolve(
	ctx context.Context,
	gen uint64,
	sess *domainauth.Session,
	trigger string,
	p resolveParams,
) resolveOutcome {
	c.resolving.Add(1)
	defer c.resolving.Add(-1)
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	id := sess.User
	if !c.updateIf(gen, trigger, func(s *domainauth.AuthState) {
		if s.Identity != nil && IdentityKey(*s.Identity) != IdentityKey(id) {
			s.Role = nil
			s.CompanyName = nil
			s.RoleProvisional = false
		}
		identity := id
		s.Identity = &identity
		s.Session = copySession(sess)
		s.Phase = domainauth.PhaseResolving
		s.Error = ""
		s.Loading = p.loading
	}) {
		return outcomeStale
	}

	rec, source, err := c.resolver.Resolve(ctx, id, ResolveOptions{BypassCache: p.bypassCache})
	if c.currentGeneration() != gen {
		c.invalidateIdentity(id)
		return outcomeStale
	}
	if err == nil {
		return c.applyResolved(ctx, gen, trigger, id, rec, source)
	}
	if ctx.Err() != nil {
		c.updateIf(gen, trigger, func(s *domainauth.AuthState) { s.Loading = false })
		return outcomeStale
	}
	return c.applyFailure(ctx, gen, trigger, id, err)
}

func (c *AuthController) applyResolved(
	ctx context.Context,
	gen uint64,
	trigger string,
	id domainauth.Identity,
	rec domainauth.RoleRecord,
	source ResolveSource,
) resolveOutcome {
	if !c.updateIf(gen, trigger, func(s *domainauth.AuthState) {
		role := rec.Role
		s.Role = &role
		s.CompanyName = rec.CompanyName
		s.RoleProvisional = false
		s.Phase = domainauth.PhaseAuthenticated
		s.Loading = false
		s.Error = ""
	}) {
		return outcomeStale
	}
	c.logger.InfoContext(ctx, "role resolved", "role", string(rec.Role), "source", string(source))

	c.stopRevalidation()
	if c.recovery != nil {
		c.recovery.Reset()
	}
	c.syncBackup(ctx, gen, id, rec.Role)
	return outcomeResolved
}

// syncBackup persists an admin role and erases the backup for any other role.
func (c *AuthController) syncBackup(ctx context.Context, gen uint64, id domainauth.Identity, role domainauth.Role) {
	if c.backup == nil {
		return
	}
	c.backupMu.Lock()
	defer c.backupMu.Unlock()
	if c.currentGeneration() != gen {
		return
	}
	var err error
	if role.IsAdmin() {
		err = c.backup.Save(ctx, role, id.Email)
	} else {
		err = c.backup.Clear(ctx)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "role backup update failed", "error", err)
	}
}

func (c *AuthController) applyFailure(
	ctx context.Context,
	gen uint64,
	trigger string,
	id domainauth.Identity,
	err error,
) resolveOutcome {
	msg := apperrors.UserMessage(err)
	c.logger.WarnContext(ctx, "role resolution failed",
		"trigger", trigger,
		"error_code", apperrors.GetCode(err),
		"error", err,
	)

	backup := c.loadBackup(ctx, id)
	outcome := outcomeFailed
	if backup != nil {
		if !c.updateIf(gen, trigger, func(s *domainauth.AuthState) {
			role := domainauth.RoleAdmin
			s.Role = &role
			s.RoleProvisional = true
			s.Phase = domainauth.PhaseAuthenticated
			s.Loading = false
			s.Error = msg
		}) {
			return outcomeStale
		}
		outcome = outcomeProvisional
		c.startRevalidation(gen, id, *backup)
	} else {
		if !c.updateIf(gen, trigger, func(s *domainauth.AuthState) {
			role := domainauth.RoleClient
			s.Role = &role
			s.CompanyName = nil
			s.RoleProvisional = false
			s.Phase = domainauth.PhaseErrored
			s.Loading = false
			s.Error = msg
		}) {
			return outcomeStale
		}
		c.stopRevalidation()
	}

	if IsRecoverableError(err) {
		c.startRecovery(RecoveryReasonSessionError)
	}
	return outcome
}

func (c *AuthController) loadBackup(ctx context.Context, id domainauth.Identity) *domainauth.RoleBackup {
	if c.backup == nil {
		return nil
	}
	c.backupMu.Lock()
	defer c.backupMu.Unlock()
	b, err := c.backup.Load(ctx, id.Email)
	if err != nil {
		c.logger.WarnContext(ctx, "role backup unavailable", "error", err)
		return nil
	}
	if b == nil || !b.Role.IsAdmin() {
		return nil
	}
	return b
}

// startRevalidation re-resolves every RevalidateInterval while the provisional
// backup role is shown. It stops on success, on a plain failure, or once the
// backup is older than its max age.
func (c *AuthController) startRevalidation(gen uint64, id domainauth.Identity, backup domainauth.RoleBackup) {
	c.mu.Lock()
	if c.revalidate != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.lifeCtx)
	c.revalidateID++
	token := c.revalidateID
	c.revalidate = cancel
	c.mu.Unlock()

	started := c.goSafe("revalidate", func() {
		defer func() {
			c.mu.Lock()
			if c.revalidateID == token && c.revalidate != nil {
				c.revalidate()
				c.revalidate = nil
			}
			c.mu.Unlock()
		}()
		c.revalidateLoop(ctx, gen, id, backup)
	})
	if !started {
		cancel()
	}
}

func (c *AuthController) revalidateLoop(ctx context.Context, gen uint64, id domainauth.Identity, backup domainauth.RoleBackup) {
	sess := &domainauth.Session{User: id}
	for {
		if err := c.sleep(ctx, c.config.RevalidateInterval); err != nil {
			return
		}
		if !c.backup.Valid(&backup) {
			c.expireProvisional(ctx, gen, id)
			return
		}
		if cur := c.State().Session; cur != nil {
			sess = cur
		}
		switch c.resolve(ctx, gen, sess, triggerRevalidate, resolveParams{bypassCache: true}) {
		case outcomeProvisional:
			continue
		default:
			return
		}
	}
}

// expireProvisional demotes a provisional admin role whose backup aged out.
func (c *AuthController) expireProvisional(ctx context.Context, gen uint64, id domainauth.Identity) {
	c.updateIf(gen, triggerExpired, func(s *domainauth.AuthState) {
		if !s.RoleProvisional {
			return
		}
		role := domainauth.RoleClient
		s.Role = &role
		s.CompanyName = nil
		s.RoleProvisional = false
		s.Phase = domainauth.PhaseErrored
	})
	c.logger.InfoContext(ctx, "provisional admin role expired", "user_id", id.UserID)
	if c.backup == nil {
		return
	}
	c.backupMu.Lock()
	defer c.backupMu.Unlock()
	if err := c.backup.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to clear role backup", "error", err)
	}
}

func (c *AuthController) stopRevalidation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revalidate != nil {
		c.revalidate()
		c.revalidate = nil
	}
}

func (c *AuthController) eventLoop() {
	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-c.wake:
		}
		for {
			ev, ok := c.popEvent()
			if !ok {
				break
			}
			c.processEvent(c.lifeCtx, ev)
			if c.lifeCtx.Err() != nil {
				return
			}
		}
	}
}

func (c *AuthController) popEvent() (queuedEvent, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return queuedEvent{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

func (c *AuthController) processEvent(ctx context.Context, ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling auth event", "event", string(ev.event), "panic", r)
		}
	}()
	c.logger.DebugContext(ctx, "auth event", "event", string(ev.event), "has_session", ev.session != nil)

	switch {
	case ev.event == domainauth.EventSignedOut:
		c.clearLocal(ctx, string(ev.event), c.State().Identity, false)

	case ev.event == domainauth.EventTokenRefreshed:
		if ev.session == nil {
			return
		}
		st := c.State()
		if st.Identity != nil && IdentityKey(*st.Identity) == IdentityKey(ev.session.User) {
			c.update(string(ev.event), func(s *domainauth.AuthState) { s.Session = copySession(ev.session) })
			return
		}
		c.handleSignIn(ctx, ev)

	case ev.event.IsSignIn():
		if ev.session == nil {
			if ev.event == domainauth.EventInitialSession {
				c.updateIf(c.currentGeneration(), string(ev.event), func(s *domainauth.AuthState) {
					if s.Identity == nil {
						*s = domainauth.Unauthenticated()
					}
				})
			}
			return
		}
		c.handleSignIn(ctx, ev)

	default:
		c.logger.DebugContext(ctx, "ignoring auth event", "event", string(ev.event))
	}
}

func (c *AuthController) handleSignIn(ctx context.Context, ev queuedEvent) {
	gen := c.currentGeneration()
	if err := c.sleep(ctx, c.config.SignInGrace); err != nil {
		return
	}
	c.resolve(ctx, gen, ev.session, string(ev.event), resolveParams{})
}

func (c *AuthController) startRecovery(reason string) {
	if c.recovery == nil {
		return
	}
	c.goSafe("recovery", func() {
		recovered := c.recovery.AttemptRecovery(c.lifeCtx, reason)
		if recovered || reason != RecoveryReasonStuckLoading {
			return
		}
		c.update(triggerStuck, func(s *domainauth.AuthState) {
			if s.Loading && s.Identity == nil {
				*s = domainauth.Unauthenticated()
			}
		})
	})
}

func (c *AuthController) onStuck() {
	st := c.State()
	if !st.Loading || st.IsAuthenticated() {
		return
	}
	c.logger.Warn("auth state stuck loading", "timeout", c.config.StuckTimeout.String())
	c.startRecovery(RecoveryReasonStuckLoading)
}

func (c *AuthController) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// update applies fn to the state unconditionally.
func (c *AuthController) update(trigger string, fn func(*domainauth.AuthState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(trigger, fn)
}

// updateIf applies fn only while the generation is still gen.
func (c *AuthController) updateIf(gen uint64, trigger string, fn func(*domainauth.AuthState)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.applyLocked(trigger, fn)
	return true
}

func (c *AuthController) applyLocked(trigger string, fn func(*domainauth.AuthState)) {
	prev := c.state.Clone()
	next := c.state.Clone()
	fn(&next)
	c.state = next

	if prev.Phase != next.Phase || prev.RoleProvisional != next.RoleProvisional {
		c.logger.Info("auth state transition",
			"from", string(prev.Phase),
			"to", string(next.Phase),
			"trigger", trigger,
			"provisional", next.RoleProvisional,
		)
		metrics.EmitAuthTransition(c.metrics, metrics.TransitionMetric{
			From:        string(prev.Phase),
			To:          string(next.Phase),
			Trigger:     trigger,
			Provisional: next.RoleProvisional,
		})
	}

	c.armWatchdogLocked(next)
	c.broadcastLocked(next)
}

func (c *AuthController) armWatchdogLocked(s domainauth.AuthState) {
	if !s.Loading || s.IsAuthenticated() {
		c.stopWatchdogLocked()
		return
	}
	if c.watchdog != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.lifeCtx)
	c.watchdogID++
	token := c.watchdogID
	c.watchdog = cancel
	started := c.goSafe("watchdog", func() {
		if err := c.sleep(ctx, c.config.StuckTimeout); err != nil {
			return
		}
		c.mu.Lock()
		fired := c.watchdogID == token && c.watchdog != nil
		if fired {
			c.watchdog()
			c.watchdog = nil
		}
		c.mu.Unlock()
		if fired {
			c.onStuck()
		}
	})
	if !started {
		cancel()
		c.watchdog = nil
	}
}

func (c *AuthController) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog()
		c.watchdog = nil
	}
}

func (c *AuthController) broadcastLocked(s domainauth.AuthState) {
	for _, ch := range c.watchers {
		select {
		case ch <- s.Clone():
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.Clone():
		default:
		}
	}
}

// goSafe runs fn on a tracked goroutine that recovers panics. It reports false
// once the controller is closed.
func (c *AuthController) goSafe(name string, fn func()) bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in background task", "task", name, "panic", r)
			}
		}()
		fn()
	}()
	return true
}

func copySession(s *domainauth.Session) *domainauth.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
