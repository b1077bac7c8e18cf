package auth

// State is the coordinator's position in the session lifecycle.
type State int

const (
	// LoggedOut: no usable session is held.
	LoggedOut State = iota
	// Authenticating: a login, registration, OTP verification, or
	// provider-ready reconciliation is in flight.
	Authenticating
	// Valid: a session is held and outside its refresh threshold.
	Valid
	// Expiring: the session is inside its refresh threshold and a refresh
	// is being attempted.
	Expiring
	// RecoverableExpired: the refresh failed but the session is within the
	// recovery grace window; one recovery attempt is made.
	RecoverableExpired
	// SeverelyExpired: the session expired beyond the grace window. The
	// state is transient and always routes to LoggedOut.
	SeverelyExpired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case Valid:
		return "valid"
	case Expiring:
		return "expiring"
	case RecoverableExpired:
		return "recoverable_expired"
	case SeverelyExpired:
		return "severely_expired"
	default:
		return "unknown"
	}
}
