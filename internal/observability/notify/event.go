package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// IncidentKind names the auth condition that triggered a notification.
type IncidentKind string

const (
	// IncidentRoleResolution fires when the role of a signed-in user could not be resolved.
	IncidentRoleResolution IncidentKind = "role_resolution_failed"
	// IncidentRecoveryExhausted fires when session recovery used up its attempts.
	IncidentRecoveryExhausted IncidentKind = "recovery_exhausted"
)

// Incident is the canonical payload emitted to notification sinks.
type Incident struct {
	Kind       IncidentKind
	UserID     string
	Email      string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Title returns a short human-readable summary of the incident.
func (i Incident) Title() string {
	switch i.Kind {
	case IncidentRoleResolution:
		return "Portal role resolution failed"
	case IncidentRecoveryExhausted:
		return "Portal session recovery exhausted"
	default:
		return "Portal auth incident"
	}
}

// DedupKey identifies repeats of the same incident for the same user.
func (i Incident) DedupKey() string {
	if i.UserID == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + ":" + i.UserID
}

// Sink describes a destination capable of consuming incidents.
type Sink interface {
	SendIncident(ctx context.Context, incident Incident) error
}

// Resolver is implemented by sinks that can close an incident they opened.
// Incidents are matched on DedupKey.
type Resolver interface {
	ResolveIncident(ctx context.Context, incident Incident) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, incident Incident) error

// SendIncident implements the Sink interface.
func (f SinkFunc) SendIncident(ctx context.Context, incident Incident) error {
	if f == nil {
		return nil
	}
	return f(ctx, incident)
}

// Deliver calls send up to retryLimit+1 times with a linear pause between attempts.
func Deliver(ctx context.Context, retryLimit int, send func(context.Context) error) error {
	attempts := max(retryLimit, 0) + 1
	var lastErr error
	for attempt := range attempts {
		if lastErr = send(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
