package mesh

import "errors"

// Verification failure taxonomy. Every rejection of a handshake or a node
// registration maps to exactly one of these sentinels; callers match with
// errors.Is after unwrapping.
var (
	// ErrMalformed indicates a request missing required fields.
	ErrMalformed = errors.New("mesh: malformed request")
	// ErrInvalidKey indicates a public key that does not decode to 32 bytes.
	ErrInvalidKey = errors.New("mesh: invalid public key")
	// ErrIdentityMismatch indicates a claimed peer ID that does not match the
	// identifier derived from the presented public key.
	ErrIdentityMismatch = errors.New("mesh: identity mismatch")
	// ErrExpired indicates a timestamp outside the accepted skew window.
	ErrExpired = errors.New("mesh: request expired")
	// ErrBadSignature indicates a signature that does not verify.
	ErrBadSignature = errors.New("mesh: bad signature")
	// ErrReplay indicates a nonce that was already consumed.
	ErrReplay = errors.New("mesh: nonce replay detected")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("mesh: not found")
	// ErrStorage indicates a persistence failure.
	ErrStorage = errors.New("mesh: storage failure")
)

// IsVerifyError reports whether the error is one of the handshake or
// registration verification failures. These are local and non-fatal: the
// attempt is rejected and everything else keeps running.
func IsVerifyError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrReplay)
}
