package metrics

import (
	"time"

	obserrors "github.com/target/portal-auth/internal/observability/errors"
	"github.com/target/portal-auth/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultFallback = "fallback"
	ResultSkipped  = "skipped"
	ResultNoop     = "noop"
)

// TransitionMetric describes a change of auth phase.
type TransitionMetric struct {
	From        string
	To          string
	Trigger     string
	Provisional bool
}

// EmitAuthTransition counts auth state machine transitions.
func EmitAuthTransition(sink statsd.Sink, in TransitionMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"from":    in.From,
		"to":      in.To,
		"trigger": in.Trigger,
	}
	if in.Provisional {
		tags["provisional"] = "true"
	}
	sink.Count("auth.transition", 1, tags)
}

// RoleResolutionMetric describes one RoleResolver.Resolve call.
type RoleResolutionMetric struct {
	Source   string
	Result   string
	Cached   bool
	Duration time.Duration
	Err      error
}

// EmitRoleResolution emits role resolution counters and latency.
func EmitRoleResolution(sink statsd.Sink, in RoleResolutionMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"source": in.Source,
		"result": in.Result,
		"cached": boolTag(in.Cached),
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("role.resolve", 1, tags)
	if in.Duration > 0 && !in.Cached {
		sink.Timing("role.resolve.duration", in.Duration, CloneTags(tags))
	}
}

// RecoveryMetric describes one session recovery attempt.
type RecoveryMetric struct {
	Reason   string
	Result   string
	Attempt  int
	Duration time.Duration
}

// EmitRecovery emits session recovery outcomes.
func EmitRecovery(sink statsd.Sink, in RecoveryMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"reason": in.Reason,
		"result": in.Result,
	}
	sink.Count("session.recovery", 1, tags)
	if in.Attempt > 0 {
		sink.Gauge("session.recovery.attempts", float64(in.Attempt), nil)
	}
	if in.Duration > 0 {
		sink.Timing("session.recovery.duration", in.Duration, CloneTags(tags))
	}
}

// RefreshMetric describes a visibility-driven validation or full refresh.
type RefreshMetric struct {
	Signal string
	Kind   string
	Result string
	Err    error
}

// EmitRefresh counts scheduler validations and refreshes.
func EmitRefresh(sink statsd.Sink, in RefreshMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"signal": in.Signal,
		"kind":   in.Kind,
		"result": in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)
	sink.Count("session.refresh", 1, tags)
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || (result != ResultError && result != ResultFallback) {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
