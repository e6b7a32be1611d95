package common

import "fmt"

// IdentityError credential failed verification, or the rep is unknown.
//
// Never creates a session. Surfaced to the client as auth:error; the
// connection remains usable for retry.
type IdentityError struct {
	// Reason failure description safe to surface to the client
	Reason string
}

func (e IdentityError) Error() string {
	return fmt.Sprintf("identity rejected: %s", e.Reason)
}

// NewIdentityError define new IdentityError
func NewIdentityError(reasonFormat string, args ...interface{}) IdentityError {
	return IdentityError{Reason: fmt.Sprintf(reasonFormat, args...)}
}

// SessionNotFoundError a control message referenced a session which does not exist
type SessionNotFoundError struct {
	// SessionID the referenced session
	SessionID string
}

func (e SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// ReplayQueryError the record store lookup backing a replay failed
type ReplayQueryError struct {
	// Cause the underlying failure
	Cause error
}

func (e ReplayQueryError) Error() string {
	return fmt.Sprintf("replay event query failed: %s", e.Cause)
}

func (e ReplayQueryError) Unwrap() error {
	return e.Cause
}
