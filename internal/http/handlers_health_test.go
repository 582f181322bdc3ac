package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		state    domainauth.AuthState
		wantBody string
	}{
		{
			name:     "get signed out",
			method:   http.MethodGet,
			state:    domainauth.Unauthenticated(),
			wantBody: "{\"phase\":\"unauthenticated\",\"status\":\"ok\"}\n",
		},
		{
			name:     "get errored still healthy",
			method:   http.MethodGet,
			state:    domainauth.AuthState{Phase: domainauth.PhaseErrored, Error: "boom"},
			wantBody: "{\"phase\":\"errored\",\"status\":\"ok\"}\n",
		},
		{
			name:   "head has no body",
			method: http.MethodHead,
			state:  domainauth.Unauthenticated(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &statusHandlers{svc: &fakeStatus{state: tt.state}}
			rec := httptest.NewRecorder()

			h.healthHandler(rec, httptest.NewRequest(tt.method, "/healthz", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected content-type application/json, got %q", ct)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Fatalf("unexpected body: %q", got)
			}
		})
	}
}
