package api

import (
	"errors"
	"fmt"
)

// Failure taxonomy for client-side fetches. The orchestrator only ever
// branches on these sentinels, never on concrete error types.
var (
	// ErrTransient covers unreachable servers, timeouts and 5xx responses.
	// Safe to retry on the next poll tick.
	ErrTransient = errors.New("transient fetch failure")

	// ErrAuth covers 401/403. Fatal for the request; never retried
	// automatically.
	ErrAuth = errors.New("not authorized")

	// ErrMalformed covers payloads that fail to parse. Retried like a
	// transient failure but logged distinctly for diagnosis.
	ErrMalformed = errors.New("malformed server response")
)

// StatusError is an HTTP error response from the server, wrapped with the
// matching taxonomy sentinel.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrAuth
	default:
		return ErrTransient
	}
}
