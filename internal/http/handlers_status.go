package httpx

import (
	"log/slog"
	"net/http"
	"time"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/service"
)

type statusHandlers struct {
	svc    StatusService
	logger *slog.Logger
}

// stateView is the token-free rendering of AuthState.
type stateView struct {
	Phase            string        `json:"phase"`
	Loading          bool          `json:"loading"`
	Error            string        `json:"error,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
	Email            string        `json:"email,omitempty"`
	Role             string        `json:"role,omitempty"`
	RoleProvisional  bool          `json:"role_provisional,omitempty"`
	CompanyName      *string       `json:"company_name,omitempty"`
	SessionExpiresAt *time.Time    `json:"session_expires_at,omitempty"`
	Recovery         recoveryView  `json:"recovery"`
	Scheduler        schedulerView `json:"scheduler"`
}

type recoveryView struct {
	Recovering    bool       `json:"recovering"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

type schedulerView struct {
	Signals     int64 `json:"signals"`
	Validations int64 `json:"validations"`
	Refreshes   int64 `json:"refreshes"`
	Skipped     int64 `json:"skipped"`
}

func newStateView(st domainauth.AuthState, rec domainauth.RecoveryState, stats service.VisibilityStats) stateView {
	v := stateView{
		Phase:           string(st.Phase),
		Loading:         st.Loading,
		Error:           st.Error,
		RoleProvisional: st.RoleProvisional,
		CompanyName:     st.CompanyName,
		Recovery: recoveryView{
			Recovering: rec.Recovering,
			Attempts:   rec.Attempts,
		},
		Scheduler: schedulerView(stats),
	}
	if st.Identity != nil {
		v.UserID = st.Identity.UserID
		v.Email = st.Identity.Email
	}
	if st.Role != nil {
		v.Role = string(*st.Role)
	}
	if st.Session != nil {
		exp := st.Session.ExpiresAt
		v.SessionExpiresAt = &exp
	}
	if !rec.LastAttemptAt.IsZero() {
		last := rec.LastAttemptAt
		v.Recovery.LastAttemptAt = &last
	}
	return v
}

func (h *statusHandlers) state(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, newStateView(h.svc.State(), h.svc.Recovery(), h.svc.SchedulerStats()))
}

func (h *statusHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RefreshAuth(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "refresh via status endpoint failed", "error", err)
		WriteError(w, err)
		return
	}
	h.state(w, r)
}

func (h *statusHandlers) signOut(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SignOut(r.Context()); err != nil {
		// Local state is cleared even when remote revocation fails.
		h.logger.WarnContext(r.Context(), "remote sign-out failed", "error", err)
	}
	h.state(w, r)
}

func (h *statusHandlers) signal(w http.ResponseWriter, r *http.Request) {
	sig := service.Signal(r.PathValue("signal"))
	switch sig {
	case service.SignalVisible, service.SignalFocus, service.SignalOnline, service.SignalPullToRefresh:
	default:
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_signal", "message": "Unknown signal " + string(sig)})
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]bool{"accepted": h.svc.Notify(sig)})
}
