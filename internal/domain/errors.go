package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrNotReady is returned when a report is requested before completion.
	ErrNotReady = errors.New("session not completed")
	// ErrTerminal guards against mutating a completed or failed session.
	ErrTerminal = errors.New("session is in a terminal state")
)

// ValidationError reports bad input at submission. No session is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// TransportError means a collaborator was unreachable, timed out, or answered
// with something that could not be decoded. It is fatal to the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("collaborator transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is a structured failure returned by a collaborator. Capability is
// empty when the failure applies to the whole request.
type RemoteError struct {
	Capability Capability
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Capability == "" {
		return "collaborator returned error: " + e.Message
	}
	return fmt.Sprintf("collaborator returned error for %s: %s", e.Capability, e.Message)
}

// ReleaseError is logged when an execution handle could not be torn down.
// It never reaches a caller.
type ReleaseError struct {
	HandleID string
	Attempts int
	Err      error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release handle %s failed after %d attempts: %v", e.HandleID, e.Attempts, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
