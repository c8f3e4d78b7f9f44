// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateActiveEvent indicates a non-terminal outbox event already
	// exists for the same (entity, event type).
	ErrDuplicateActiveEvent = errors.New("duplicate active event")

	// ErrEventTerminal indicates an operation targeted an event that has
	// already completed or terminally failed.
	ErrEventTerminal = errors.New("event already terminal")

	// ErrUnauthorized indicates a 401 on a domain call (token expired or bad).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionRevoked indicates the refresh token itself was rejected;
	// the session cannot be recovered without a fresh login.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrValidation indicates the server rejected the payload (400); not retryable.
	ErrValidation = errors.New("validation rejected")

	// ErrConflict indicates a remote duplicate/conflict (409); not retryable.
	ErrConflict = errors.New("conflict")

	// ErrTransient indicates a failure worth retrying with backoff (timeouts, 5xx).
	ErrTransient = errors.New("transient failure")

	// ErrNotConnected indicates the realtime channel is down; non-fatal.
	ErrNotConnected = errors.New("not connected")

	// ErrStaleNotice indicates a push notice older than the record's current
	// state; the merge rule drops it.
	ErrStaleNotice = errors.New("stale notice")
)

// Retryable reports whether an upload failure should be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
