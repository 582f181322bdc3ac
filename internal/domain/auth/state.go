package auth

// Phase is the coarse position of the auth state machine.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseResolving       Phase = "resolving"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseErrored         Phase = "errored"
)

// AuthState is the externally observed authentication state.
// Loading is only true during the initial bootstrap or an explicit refresh.
// Error is a user-displayable message; empty means no error.
type AuthState struct {
	Identity    *Identity
	Session     *Session
	Role        *Role
	CompanyName *string
	Loading     bool
	Error       string
	Phase       Phase

	// RoleProvisional is set while Role comes from the local backup and is pending re-validation.
	RoleProvisional bool
}

// IsAuthenticated reports whether an identity is present.
func (s AuthState) IsAuthenticated() bool { return s.Identity != nil }

// IsAdmin reports whether the current role is admin.
func (s AuthState) IsAdmin() bool { return s.Role != nil && s.Role.IsAdmin() }

// Clone returns a deep copy so callers cannot mutate controller-owned state.
func (s AuthState) Clone() AuthState {
	out := s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	if s.Role != nil {
		r := *s.Role
		out.Role = &r
	}
	if s.CompanyName != nil {
		c := *s.CompanyName
		out.CompanyName = &c
	}
	return out
}

// Unauthenticated returns the zero signed-out state.
func Unauthenticated() AuthState {
	return AuthState{Phase: PhaseUnauthenticated}
}
