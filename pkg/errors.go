// Package pkg holds utilities shared across the broker and the peer agent.
// This file defines the domain-level sentinel errors.
//
// Callers compare with errors.Is so wrapped errors still match:
//
//	if errors.Is(err, pkg.ErrInvalidState) { ... }
package pkg

import "errors"

// Domain-level errors. HTTP handlers map these to status codes, the call
// layer returns them from local actions.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")

	// ErrInvalidState is returned when an SDP operation is attempted in a
	// signaling state that does not allow it, or with no underlying connection.
	ErrInvalidState = errors.New("invalid state")

	// ErrPermissionDenied is returned when local media cannot be acquired.
	ErrPermissionDenied = errors.New("media permission denied")

	ErrBusy         = errors.New("user busy")
	ErrClosed       = errors.New("closed")
	ErrNotConnected = errors.New("signaling not connected")
)
