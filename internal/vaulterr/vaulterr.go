// Package vaulterr declares the closed error taxonomy shared by the vault
// client packages.
package vaulterr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrConfigMissing is returned when api_base_url is unset; recoverable
	// by user action.
	ErrConfigMissing = errors.New("vaultcore: api base url not configured")

	// ErrNetwork wraps connection failures, timeouts, and other non-HTTP
	// transport errors.
	ErrNetwork = errors.New("vaultcore: network error")

	// ErrUnauthenticated corresponds to a 401 response. Its side effect
	// (clear session, zeroize keystore) is driven by internal/service, not
	// by this package.
	ErrUnauthenticated = errors.New("vaultcore: unauthenticated")

	// ErrAuthFailed is the single generic "unable to unlock" error surfaced
	// when AEAD authentication fails during unwrap/decrypt. Callers must
	// never report a more specific cause.
	ErrAuthFailed = errors.New("vaultcore: unable to unlock")

	// ErrConflictUnresolved is surfaced only after the single merge-and-retry
	// attempt also fails with 409.
	ErrConflictUnresolved = errors.New("vaultcore: conflict unresolved after retry")

	// ErrPayloadTooLarge corresponds to a 413 response; the caller must not
	// retry.
	ErrPayloadTooLarge = errors.New("vaultcore: manifest exceeds server size limit")

	// ErrWmkUploadFailed is the special case of a network/HTTP failure during
	// first-unlock WMK upload. Unlike other unlock failures it preserves the
	// session so the caller may retry without re-authenticating.
	ErrWmkUploadFailed = errors.New("vaultcore: wrapped master key upload failed")

	// ErrLocked is returned by keystore accessors when no keys are seated.
	ErrLocked = errors.New("vaultcore: keystore is locked")

	// ErrInvalidState flags a programming error: an operation was invoked
	// from a manifest-store state that cannot support it.
	ErrInvalidState = errors.New("vaultcore: invalid manifest store state")
)

// HTTPError represents a non-2xx HTTP response not otherwise categorized by
// one of the sentinels above.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vaultcore: http %d", e.Status)
	}
	return fmt.Sprintf("vaultcore: http %d: %s", e.Status, e.Message)
}

// ValidationError flags an input-side violation: malformed URL, empty title,
// duplicate tag name, or an over-limit value.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "vaultcore: validation failed: " + e.Reason
}

// NewValidation constructs a *ValidationError with the given reason.
func NewValidation(reason string) error {
	return &ValidationError{Reason: reason}
}
