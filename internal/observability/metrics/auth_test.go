package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/observability/statsd"
)

func TestEmitRoleResolution(t *testing.T) {
	t.Parallel()

	var rec statsd.Recorder
	EmitRoleResolution(&rec, RoleResolutionMetric{
		Source:   "fallback",
		Result:   ResultFallback,
		Duration: 20 * time.Millisecond,
		Err:      apperrors.New(apperrors.ErrCodeTimeout, "timed out"),
	})
	EmitRoleResolution(&rec, RoleResolutionMetric{Source: "primary", Result: ResultSuccess, Cached: true, Duration: time.Millisecond})

	samples := rec.Samples("role.resolve")
	require.Len(t, samples, 2)
	assert.Equal(t, "timeout", samples[0].Tags["error_class"])
	assert.Equal(t, "true", samples[1].Tags["cached"])
	assert.NotContains(t, samples[1].Tags, "error_class")

	assert.Len(t, rec.Samples("role.resolve.duration"), 1, "cached hits emit no latency")
}

func TestEmitAuthTransition(t *testing.T) {
	t.Parallel()

	var rec statsd.Recorder
	EmitAuthTransition(&rec, TransitionMetric{From: "resolving", To: "authenticated", Trigger: "SIGNED_IN", Provisional: true})

	samples := rec.Samples("auth.transition")
	require.Len(t, samples, 1)
	assert.Equal(t, "true", samples[0].Tags["provisional"])
	assert.Equal(t, "SIGNED_IN", samples[0].Tags["trigger"])
}

func TestEmitRecoveryAndRefresh(t *testing.T) {
	t.Parallel()

	var rec statsd.Recorder
	EmitRecovery(&rec, RecoveryMetric{Reason: "stuck_loading", Result: ResultSuccess, Attempt: 2, Duration: time.Second})
	EmitRefresh(&rec, RefreshMetric{Signal: "visible", Kind: "validate", Result: ResultSkipped})

	assert.Equal(t, int64(1), rec.Total("session.recovery"))
	assert.Len(t, rec.Samples("session.recovery.attempts"), 1)
	assert.Equal(t, int64(1), rec.Total("session.refresh"))
}

func TestNilSinkIsNoop(t *testing.T) {
	t.Parallel()

	EmitAuthTransition(nil, TransitionMetric{})
	EmitRoleResolution(nil, RoleResolutionMetric{})
	EmitRecovery(nil, RecoveryMetric{})
	EmitRefresh(nil, RefreshMetric{})
	assert.Nil(t, CloneTags(nil))
}
