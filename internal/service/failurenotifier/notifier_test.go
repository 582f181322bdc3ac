package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/target/portal-auth/internal/core"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	received []notify.Incident
	resolved []notify.Incident
}

func (c *captureSink) ResolveIncident(_ context.Context, in notify.Incident) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, in)
	return nil
}

func (c *captureSink) SendIncident(_ context.Context, in notify.Incident) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, in)
	return nil
}

func (c *captureSink) kinds() []notify.IncidentKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.IncidentKind, 0, len(c.received))
	for _, in := range c.received {
		out = append(out, in.Kind)
	}
	return out
}

type recoveryFunc func() domainauth.RecoveryState

func (f recoveryFunc) Recovery() domainauth.RecoveryState { return f() }

func TestServiceNotify(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{{Name: "capture", Sink: sink}, {Name: "nil"}},
		Clock: core.NewManualClock(now),
	})

	svc.Notify(context.Background(), notify.Incident{Kind: notify.IncidentRoleResolution})

	if len(sink.received) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(sink.received))
	}
	if sink.received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", sink.received[0].Severity)
	}
	if !sink.received[0].OccurredAt.Equal(now) {
		t.Fatalf("expected OccurredAt from clock, got %v", sink.received[0].OccurredAt)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
	svc.Notify(context.Background(), notify.Incident{})
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{
			Sink: notify.SinkFunc(func(context.Context, notify.Incident) error { return errors.New("boom") }),
		}},
	})
	svc.Notify(context.Background(), notify.Incident{Kind: notify.IncidentRecoveryExhausted})
}

func TestWatchFiresOncePerEpisode(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	var mu sync.Mutex
	rec := domainauth.RecoveryState{}
	setRecovery := func(r domainauth.RecoveryState) {
		mu.Lock()
		rec = r
		mu.Unlock()
	}
	source := recoveryFunc(func() domainauth.RecoveryState {
		mu.Lock()
		defer mu.Unlock()
		return rec
	})

	states := make(chan domainauth.AuthState)
	done := make(chan struct{})
	go func() {
		svc.Watch(context.Background(), WatchOptions{States: states, Recovery: source, MaxAttempts: 3})
		close(done)
	}()

	identity := &domainauth.Identity{UserID: "u1", Email: "u1@example.com"}
	states <- domainauth.AuthState{Phase: domainauth.PhaseAuthenticated, Identity: identity}
	states <- domainauth.AuthState{Phase: domainauth.PhaseErrored, Identity: identity, Error: "rpc down"}
	states <- domainauth.AuthState{Phase: domainauth.PhaseErrored, Identity: identity, Error: "rpc down"}
	states <- domainauth.AuthState{Phase: domainauth.PhaseAuthenticated, Identity: identity}
	states <- domainauth.AuthState{Phase: domainauth.PhaseErrored, Identity: identity, Error: "again"}

	setRecovery(domainauth.RecoveryState{Attempts: 3})
	states <- domainauth.AuthState{Phase: domainauth.PhaseUnauthenticated}
	states <- domainauth.AuthState{Phase: domainauth.PhaseUnauthenticated}
	close(states)
	<-done

	want := []notify.IncidentKind{
		notify.IncidentRoleResolution,
		notify.IncidentRoleResolution,
		notify.IncidentRecoveryExhausted,
	}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if sink.received[0].UserID != "u1" || sink.received[0].Error != "rpc down" {
		t.Fatalf("unexpected role incident %+v", sink.received[0])
	}
	if sink.received[2].Metadata["attempts"] != "3" || sink.received[2].Severity != notify.SeverityWarning {
		t.Fatalf("unexpected recovery incident %+v", sink.received[2])
	}

	// Both role episodes closed; the second closed after sign-out cleared the identity.
	if len(sink.resolved) != 2 {
		t.Fatalf("expected 2 resolutions, got %d", len(sink.resolved))
	}
	for _, in := range sink.resolved {
		if in.DedupKey() != "role_resolution_failed:u1" {
			t.Fatalf("resolved wrong incident %q", in.DedupKey())
		}
	}
}

func TestResolveSkipsSinksWithoutResolver(t *testing.T) {
	resolving := &captureSink{}
	var sent int
	svc := NewService(Options{Sinks: []SinkRegistration{
		{Name: "resolving", Sink: resolving},
		{Name: "fire-only", Sink: notify.SinkFunc(func(context.Context, notify.Incident) error {
			sent++
			return nil
		})},
	}})

	svc.Resolve(context.Background(), notify.Incident{Kind: notify.IncidentRecoveryExhausted})

	if len(resolving.resolved) != 1 || sent != 0 {
		t.Fatalf("expected one resolution and no sends, got %d / %d", len(resolving.resolved), sent)
	}
}
