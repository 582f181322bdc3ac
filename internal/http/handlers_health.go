package httpx

import (
	"net/http"
)

// healthHandler answers readiness/liveness checks. The process is healthy
// whenever it can serve; the auth phase is reported for information only.
func (h *statusHandlers) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"phase":  string(h.svc.State().Phase),
	})
}
