package interfaces

import "errors"

// Validation errors (400 class). Never counted against a rate limit.
var (
	// ErrInvalidVolumeName indicates a name outside ^[a-zA-Z0-9._-]+$.
	ErrInvalidVolumeName = errors.New("invalid volume name")

	// ErrUnknownVolume indicates a name not present in the registry.
	ErrUnknownVolume = errors.New("unknown volume")

	// ErrMissingSecret indicates a mount request without a password.
	ErrMissingSecret = errors.New("missing password")

	// ErrAlreadyMounted is the idempotent rejection of a second mount.
	ErrAlreadyMounted = errors.New("already mounted")

	// ErrNotActive is the idempotent rejection of an unmount with no worker.
	ErrNotActive = errors.New("not active")
)

// Authentication errors (401/503 class).
var (
	// ErrUnauthorized is the single failure surfaced to callers for every
	// authentication sub-check, so responses do not leak which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConfigured is returned when the trusted-key set is empty. The
	// service fails closed and the condition is distinct from an
	// authentication failure for rate-limiting purposes.
	ErrNotConfigured = errors.New("no trusted keys configured")
)

// ErrRateLimited is the 429-class admission denial.
var ErrRateLimited = errors.New("rate limited")

// ErrSecretDelivery is the 500-class fault for a secret that could not be
// written to the volume's secret channel. Counted against the mount
// rate-limit class.
var ErrSecretDelivery = errors.New("secret delivery failed")

// Keystore errors.
var (
	// ErrContentNotFound indicates the backend has no such content.
	ErrContentNotFound = errors.New("content not found")

	// ErrInvalidLocationURI indicates a malformed backend location URI.
	ErrInvalidLocationURI = errors.New("invalid location URI")
)
