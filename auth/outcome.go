package auth

// Outcome classifies the result of an authentication or authorization step.
type Outcome int

const (
	OK Outcome = iota
	// InvalidCredentials covers a wrong password, an unknown user and an
	// inactive account alike.
	InvalidCredentials
	// Locked means the account is inside its lockout window.
	Locked
	// StoreUnavailable means a backing store failed.
	StoreUnavailable
	// InvalidToken is a CSRF failure.
	InvalidToken
	// Unauthorized means there is no valid session.
	Unauthorized
	// Forbidden means the session is valid but the role is insufficient.
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case InvalidCredentials:
		return "invalid_credentials"
	case Locked:
		return "locked"
	case StoreUnavailable:
		return "store_unavailable"
	case InvalidToken:
		return "invalid_token"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Result is the typed value returned by Manager operations. Err carries
// detail for server-side logs and must never be shown to the client.
type Result struct {
	Outcome          Outcome
	RemainingSeconds int
	User             *UserRecord
	Session          *SessionRecord
	Err              error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Outcome == OK
}

func failed(o Outcome) Result {
	return Result{Outcome: o}
}

func unavailable(err error) Result {
	return Result{Outcome: StoreUnavailable, Err: err}
}
