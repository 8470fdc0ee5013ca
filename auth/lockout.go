package auth

import (
	"math"
	"time"
)

const (
	// LockoutThreshold is the number of failures that arms the lockout.
	LockoutThreshold = 5
	// LockoutWindow is how long a lockout lasts after the most recent failure.
	LockoutWindow = 30 * time.Minute
)

// LockoutDecision is the result of EvaluateLockout.
type LockoutDecision struct {
	Locked           bool
	RemainingSeconds int
}

// EvaluateLockout decides whether an account with the given failure history
// may attempt to authenticate at now. It has no side effects.
//
// Counters are not reset when the window elapses; only a successful login
// resets them, so a failure after expiry re-arms the lockout immediately.
func EvaluateLockout(failedAttempts int, lastFailureAt *time.Time, now time.Time) LockoutDecision {
	if failedAttempts < LockoutThreshold || lastFailureAt == nil {
		return LockoutDecision{}
	}
	elapsed := now.Sub(*lastFailureAt)
	if elapsed >= LockoutWindow {
		return LockoutDecision{}
	}
	remaining := LockoutWindow - elapsed
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return LockoutDecision{Locked: true, RemainingSeconds: secs}
}
