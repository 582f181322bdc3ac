package failurenotifier

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	Clock  core.Clock // Optional: stamps OccurredAt
}

// Service dispatches auth incidents to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	clock  core.Clock
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{
		logger: logger.With("component", "failure_notifier"),
		sinks:  sinks,
		clock:  core.ClockOrReal(opts.Clock),
	}
}

// Notify fans the incident out to all sinks and waits for every delivery.
func (s *Service) Notify(ctx context.Context, incident notify.Incident) {
	if len(s.sinks) == 0 {
		return
	}
	if incident.Severity == "" {
		incident.Severity = notify.SeverityCritical
	}
	if incident.OccurredAt.IsZero() {
		incident.OccurredAt = s.clock.Now()
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendIncident(ctx, incident); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"kind", incident.Kind,
					"user_id", incident.UserID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Resolve closes the incident on every sink that supports resolution.
func (s *Service) Resolve(ctx context.Context, incident notify.Incident) {
	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		resolver, ok := entry.Sink.(notify.Resolver)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := resolver.ResolveIncident(ctx, incident); err != nil {
				s.logger.WarnContext(ctx, "failure notifier resolve error",
					"sink", entry.Name,
					"kind", incident.Kind,
					"user_id", incident.UserID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}

// RecoverySource reports the session recovery bookkeeping.
type RecoverySource interface {
	Recovery() domainauth.RecoveryState
}

// WatchOptions configures Watch.
type WatchOptions struct {
	States      <-chan domainauth.AuthState // Required
	Recovery    RecoverySource              // Optional: enables recovery-exhausted incidents
	MaxAttempts int                         // Required with Recovery
}

// Watch turns auth state transitions into incidents until ctx ends or States closes.
// An incident fires once on entering the failing condition. When the condition
// clears the same incident is resolved and the trigger re-arms.
func (s *Service) Watch(ctx context.Context, opts WatchOptions) {
	var roleOpen, recoveryOpen *notify.Incident
	for {
		var (
			st domainauth.AuthState
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case st, ok = <-opts.States:
			if !ok {
				return
			}
		}

		roleOpen = s.track(ctx, roleOpen, st.Phase == domainauth.PhaseErrored, func() notify.Incident {
			return roleIncident(st)
		})

		if opts.Recovery == nil || opts.MaxAttempts <= 0 {
			continue
		}
		rec := opts.Recovery.Recovery()
		exhausted := !rec.Recovering && rec.Attempts >= opts.MaxAttempts
		recoveryOpen = s.track(ctx, recoveryOpen, exhausted, func() notify.Incident {
			return recoveryIncident(st, rec)
		})
	}
}

// track returns the incident left open after observing failing.
func (s *Service) track(ctx context.Context, open *notify.Incident, failing bool, build func() notify.Incident) *notify.Incident {
	switch {
	case failing && open == nil:
		in := build()
		s.Notify(ctx, in)
		return &in
	case !failing && open != nil:
		s.Resolve(ctx, *open)
		return nil
	default:
		return open
	}
}

func roleIncident(st domainauth.AuthState) notify.Incident {
	in := notify.Incident{
		Kind:     notify.IncidentRoleResolution,
		Error:    st.Error,
		Metadata: map[string]string{"phase": string(st.Phase)},
	}
	withIdentity(&in, st)
	return in
}

func recoveryIncident(st domainauth.AuthState, rec domainauth.RecoveryState) notify.Incident {
	in := notify.Incident{
		Kind:     notify.IncidentRecoveryExhausted,
		Error:    st.Error,
		Severity: notify.SeverityWarning,
		Metadata: map[string]string{
			"attempts": strconv.Itoa(rec.Attempts),
			"phase":    string(st.Phase),
		},
	}
	if !rec.LastAttemptAt.IsZero() {
		in.Metadata["last_attempt_at"] = rec.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	withIdentity(&in, st)
	return in
}

func withIdentity(in *notify.Incident, st domainauth.AuthState) {
	if st.Identity != nil {
		in.UserID = st.Identity.UserID
		in.Email = st.Identity.Email
	}
}
