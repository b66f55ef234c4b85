package disclosure

import "errors"

var (
	// ErrUnauthorized is returned when the signer holds no
	// grant on the handle.
	ErrUnauthorized = errors.New("disclosure: unauthorized")

	// ErrDisclosureCancelled is returned when the owner
	// declines to sign. It is never retried automatically.
	ErrDisclosureCancelled = errors.New("disclosure: cancelled by user")

	// ErrDisclosureFailed covers relayer, network and
	// malformed-handle failures.
	ErrDisclosureFailed = errors.New("disclosure: failed")

	// ErrAuthorizationExpired is returned for a statement
	// past its expiry.
	ErrAuthorizationExpired = errors.New("disclosure: authorization expired")

	// ErrSignatureRejected is returned when a signature
	// does not recover to the statement's signer or is
	// bound to another ledger or chain.
	ErrSignatureRejected = errors.New("disclosure: signature rejected")

	// ErrInvalidStatement is returned for statements that
	// are malformed independent of their signature.
	ErrInvalidStatement = errors.New("disclosure: invalid statement")

	// ErrMalformedHandle is returned for the zero handle.
	ErrMalformedHandle = errors.New("disclosure: malformed handle")
)

// IsRetryable reports whether err is a transient failure
// that may be retried with the same cached authorization.
// Cancellations, missing grants and expired or rejected
// authorizations are not.
func IsRetryable(err error) bool { // A
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisclosureCancelled) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrAuthorizationExpired) ||
		errors.Is(err, ErrSignatureRejected) ||
		errors.Is(err, ErrMalformedHandle) {
		return false
	}
	return errors.Is(err, ErrDisclosureFailed)
}
