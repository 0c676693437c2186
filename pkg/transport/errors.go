package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Emit when the session is not in
// StateConnected. Sends are never queued while offline.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: session closed")

// AuthError means the token was rejected before or during connect. Fatal to
// the session; the caller must re-login.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("transport: auth rejected: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError means the relay stayed unreachable for the whole retry budget.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: relay unreachable after %d attempts: %v", e.Attempts, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }
