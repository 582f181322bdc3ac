package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/service"
)

type fakeStatus struct {
	mu         sync.Mutex
	state      domainauth.AuthState
	recovery   domainauth.RecoveryState
	stats      service.VisibilityStats
	refreshErr error
	signOutErr error
	signals    []service.Signal
	refreshes  int
	signOuts   int
}

func (f *fakeStatus) State() domainauth.AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStatus) RefreshAuth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeStatus) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.state = domainauth.Unauthenticated()
	return f.signOutErr
}

func (f *fakeStatus) Notify(sig service.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return true
}

func (f *fakeStatus) Recovery() domainauth.RecoveryState { return f.recovery }

func (f *fakeStatus) SchedulerStats() service.VisibilityStats { return f.stats }

func authenticatedState() domainauth.AuthState {
	role := domainauth.RoleAdmin
	company := "Acme"
	return domainauth.AuthState{
		Identity:    &domainauth.Identity{UserID: "u1", Email: "u1@example.com"},
		Session:     &domainauth.Session{AccessToken: "secret-token", ExpiresAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		Role:        &role,
		CompanyName: &company,
		Phase:       domainauth.PhaseAuthenticated,
	}
}

func serve(t *testing.T, svc StatusService, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(svc, nil).ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus_State(t *testing.T) {
	svc := &fakeStatus{
		state:    authenticatedState(),
		recovery: domainauth.RecoveryState{Attempts: 1, LastAttemptAt: time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)},
		stats:    service.VisibilityStats{Signals: 3, Validations: 2, Refreshes: 1},
	}

	rec := serve(t, svc, http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	var got stateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "authenticated", got.Phase)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "admin", got.Role)
	require.NotNil(t, got.CompanyName)
	assert.Equal(t, "Acme", *got.CompanyName)
	require.NotNil(t, got.SessionExpiresAt)
	assert.Equal(t, 1, got.Recovery.Attempts)
	assert.NotNil(t, got.Recovery.LastAttemptAt)
	assert.Equal(t, schedulerView{Signals: 3, Validations: 2, Refreshes: 1}, got.Scheduler)
}

func TestStatus_StateSignedOut(t *testing.T) {
	rec := serve(t, &fakeStatus{state: domainauth.Unauthenticated()}, http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"phase": "unauthenticated",
		"loading": false,
		"recovery": {"recovering": false, "attempts": 0},
		"scheduler": {"signals": 0, "validations": 0, "refreshes": 0, "skipped": 0}
	}`, rec.Body.String())
}

func TestStatus_Refresh(t *testing.T) {
	svc := &fakeStatus{state: authenticatedState()}
	rec := serve(t, svc, http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.refreshes)

	svc.refreshErr = apperrors.MapRPCError(context.DeadlineExceeded)
	rec = serve(t, svc, http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request timed out")

	svc.refreshErr = errors.New("boom")
	rec = serve(t, svc, http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"internal"`)

	rec = serve(t, svc, http.MethodGet, "/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus_SignOut(t *testing.T) {
	svc := &fakeStatus{state: authenticatedState(), signOutErr: errors.New("revocation failed")}
	rec := serve(t, svc, http.MethodPost, "/signout")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.signOuts)
	assert.True(t, strings.Contains(rec.Body.String(), `"phase":"unauthenticated"`))
}

func TestStatus_Signals(t *testing.T) {
	svc := &fakeStatus{}
	rec := serve(t, svc, http.MethodPost, "/signals/pull_to_refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/signals/reboot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []service.Signal{service.SignalPullToRefresh}, svc.signals)
}

type panicStatus struct{ fakeStatus }

func (*panicStatus) State() domainauth.AuthState { panic("state exploded") }

func TestStatus_RecoversPanics(t *testing.T) {
	rec := serve(t, &panicStatus{}, http.MethodGet, "/state")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal","message":"Internal Server Error"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "state exploded")
}

func TestStatus_RequestID(t *testing.T) {
	svc := &fakeStatus{state: domainauth.Unauthenticated()}

	rec := serve(t, svc, http.MethodGet, "/healthz")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	rec = httptest.NewRecorder()
	NewRouter(svc, nil).ServeHTTP(rec, req)
	assert.Equal(t, "req-7", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 65))
	rec = httptest.NewRecorder()
	NewRouter(svc, nil).ServeHTTP(rec, req)
	assert.NotEqual(t, strings.Repeat("x", 65), rec.Header().Get(RequestIDHeader))
}
