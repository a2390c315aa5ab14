package guildgate

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no entitlement record exists for a tenant.
	// This is a valid "record absent" result, not a failure.
	ErrNotFound = errors.New("entitlement record not found")

	// ErrStoreUnavailable indicates the document store could not be
	// reached. Transient - retried with backoff at the gateway boundary.
	ErrStoreUnavailable = errors.New("document store unavailable")

	// ErrConflict indicates a concurrent writer advanced a record's
	// version stamp past the one the caller read. Retryable by
	// re-reading and re-applying the update.
	ErrConflict = errors.New("entitlement record version conflict")

	// ErrCompatibilityUnresolved indicates neither client adapter
	// variant could be resolved at startup. Fatal.
	ErrCompatibilityUnresolved = errors.New("no usable client implementation")
)

// errorKind maps an error to the kind string recorded in telemetry
// events, so "not entitled" and "lookup failed" stay distinguishable
// even though both produce the same fail-closed result.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrConflict):
		return "ConflictError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrCompatibilityUnresolved):
		return "CompatibilityUnresolved"
	default:
		return "Unknown"
	}
}

// invalidFilterError is returned by the gateway when a structured
// filter fails validation before submission.
type invalidFilterError struct {
	Field  string
	Reason string
}

func (e invalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter on field %q: %s", e.Field, e.Reason)
}
