package authevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

func TestBroadcaster_SubscribeEmitUnsubscribe(t *testing.T) {
	b := New(nil)
	var got []domainauth.Event
	unsubscribe := b.Subscribe(func(e domainauth.Event, s *domainauth.Session) {
		got = append(got, e)
		if s != nil {
			s.AccessToken = "mutated"
		}
	})
	require.Equal(t, 1, b.Len())

	sess := &domainauth.Session{AccessToken: "at"}
	b.Emit(domainauth.EventSignedIn, sess)
	b.Emit(domainauth.EventSignedOut, nil)
	assert.Equal(t, []domainauth.Event{domainauth.EventSignedIn, domainauth.EventSignedOut}, got)
	assert.Equal(t, "at", sess.AccessToken, "handlers receive a copy")

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Len())
	b.Emit(domainauth.EventSignedIn, sess)
	assert.Len(t, got, 2)
}

func TestBroadcaster_PanickingHandler(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Subscribe(func(domainauth.Event, *domainauth.Session) { panic("boom") })
	b.Subscribe(func(domainauth.Event, *domainauth.Session) { calls++ })

	assert.NotPanics(t, func() { b.Emit(domainauth.EventTokenRefreshed, nil) })
	assert.Equal(t, 1, calls)
}
