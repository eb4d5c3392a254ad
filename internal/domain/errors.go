// Package domain contains the core business entities and logic.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidRequest indicates a run request failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoSourcesConfigured indicates the account has no active provider
	// connection covering the requested event type.
	ErrNoSourcesConfigured = errors.New("no sources configured")

	// ErrStaleTransition indicates a conditional status transition found the
	// row in an unexpected state. Callers treat this as "someone else already
	// handled it" and skip.
	ErrStaleTransition = errors.New("stale state transition")
)
