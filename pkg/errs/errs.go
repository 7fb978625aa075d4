// Package errs defines the error kinds shared by the calmweb stores and the HTTP boundary.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedConfig reports a config document that cannot be decoded as text.
	ErrMalformedConfig = errors.New("malformed config document")
	// ErrInvalidDomain reports a domain that fails normalization or validation.
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrNotRemovable reports an attempt to remove an externally supplied entry.
	ErrNotRemovable = errors.New("domain is not removable")
	// ErrPersist reports a failed or timed out write to durable storage.
	ErrPersist = errors.New("persist failed")
)

// Persist wraps err as an ErrPersist for the named operation.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersist, op, err)
}

// InvalidDomain wraps a validation failure for raw as an ErrInvalidDomain.
func InvalidDomain(raw string, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidDomain, raw, reason)
}
