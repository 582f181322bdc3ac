package restrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	mocksauth "github.com/target/portal-auth/internal/mocks/auth"
)

type recordedRequest struct {
	Path   string
	Header http.Header
	Args   map[string]any
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	reqs := make(chan recordedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		reqs <- recordedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Args: args}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestNewCaller_Validation(t *testing.T) {
	_, err := NewCaller(CallerOptions{})
	require.Error(t, err)
	_, err = NewCaller(CallerOptions{BaseURL: "ftp://example.com"})
	require.Error(t, err)
	_, err = NewCaller(CallerOptions{BaseURL: "://bad"})
	require.Error(t, err)
}

func TestCaller_Call(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{"role":"admin","company_name":"Acme"}`)
	remote := mocksauth.NewMockRemoteAuth()
	sess := mocksauth.NewSession("u1", "u1@example.com", time.Hour)
	remote.SetSession(sess)

	caller, err := NewCaller(CallerOptions{
		BaseURL: srv.URL + "/rest/v1/",
		APIKey:  "anon-key",
		Schema:  "portal",
		Session: remote,
	})
	require.NoError(t, err)

	out, err := caller.Call(context.Background(), "get_user_role_and_company", map[string]any{"p_user_id": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"admin","company_name":"Acme"}`, string(out))

	req := <-reqs
	assert.Equal(t, "/rest/v1/rpc/get_user_role_and_company", req.Path)
	assert.Equal(t, "anon-key", req.Header.Get("apikey"))
	assert.Equal(t, "portal", req.Header.Get("Content-Profile"))
	assert.Equal(t, "Bearer "+sess.AccessToken, req.Header.Get("Authorization"))
	assert.Equal(t, map[string]any{"p_user_id": "u1"}, req.Args)
}

func TestCaller_AnonymousBearer(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `[]`)
	caller, err := NewCaller(CallerOptions{
		BaseURL: srv.URL,
		APIKey:  "anon-key",
		Session: mocksauth.NewMockRemoteAuth(),
	})
	require.NoError(t, err)

	out, err := caller.Call(context.Background(), "get_menu_permissions", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))

	req := <-reqs
	assert.Equal(t, "Bearer anon-key", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Content-Profile"))
	assert.Empty(t, req.Args)
}

func TestCaller_EmptyBody(t *testing.T) {
	srv, _ := newServer(t, http.StatusNoContent, "")
	caller, err := NewCaller(CallerOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := caller.Call(context.Background(), "touch", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestCaller_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   apperrors.ErrorCode
	}{
		{name: "expired jwt", status: http.StatusUnauthorized, body: `{"message":"JWT expired"}`, code: apperrors.ErrCodeUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, body: `{"message":"permission denied"}`, code: apperrors.ErrCodeForbidden},
		{name: "unknown function", status: http.StatusNotFound, body: `{"message":"Could not find the function"}`, code: apperrors.ErrCodeNotFound},
		{name: "bad args", status: http.StatusBadRequest, body: `{"message":"invalid input"}`, code: apperrors.ErrCodeRejected},
		{name: "server down", status: http.StatusBadGateway, body: `upstream`, code: apperrors.ErrCodeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.body)
			caller, err := NewCaller(CallerOptions{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = caller.Call(context.Background(), "proc", nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}
}

func TestCaller_InvalidJSON(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{not json`)
	caller, err := NewCaller(CallerOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = caller.Call(context.Background(), "proc", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.GetCode(err))
}

func TestCaller_InvalidName(t *testing.T) {
	caller, err := NewCaller(CallerOptions{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = caller.Call(context.Background(), "../admin", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRejected(err))
}

func TestCaller_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	caller, err := NewCaller(CallerOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = caller.Call(ctx, "slow", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCaller_SessionLookupFailure(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK, `{}`)
	remote := mocksauth.NewMockRemoteAuth()
	remote.GetSessionFunc = func(context.Context) (*domainauth.Session, error) {
		return nil, errors.New("storage unavailable")
	}
	caller, err := NewCaller(CallerOptions{BaseURL: srv.URL, APIKey: "anon", Session: remote})
	require.NoError(t, err)

	_, err = caller.Call(context.Background(), "proc", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer anon", (<-reqs).Header.Get("Authorization"))
}
