package chatauth

import (
	"errors"

	"github.com/projectchat/chatauth/credential"
	"github.com/projectchat/chatauth/jwt"
)

var (
	// ErrSignatureInvalid is returned when a token's signature, algorithm, issuer or use does not check out.
	ErrSignatureInvalid = jwt.ErrSignatureInvalid
	// ErrMalformed is returned when a token cannot be decoded or lacks a required claim.
	ErrMalformed = jwt.ErrMalformed
	// ErrExpired is returned when a token is presented at or after its expiry.
	ErrExpired = jwt.ErrExpired

	// ErrTokenNotFound is returned when a presented refresh token is unknown to the store.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrReuseDetected is returned when a superseded refresh credential is presented again.
	// The live descendant of the chain has been revoked; the principal must log in again.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrConcurrentRotationConflict is returned to the loser of two rotations of the same record.
	// The winner already advanced the chain, so retrying with the same token is pointless.
	ErrConcurrentRotationConflict = errors.New("concurrent rotation conflict")
	// ErrStoreUnavailable wraps infrastructure failures of the credential store.
	ErrStoreUnavailable = credential.ErrUnavailable

	// ErrCredentialRevoked is returned when Rotate is handed a record that is already revoked.
	ErrCredentialRevoked = errors.New("refresh credential revoked")
	// ErrInvalidPrincipal is returned for an empty principal id.
	ErrInvalidPrincipal = errors.New("invalid principal")
	// ErrManagerNotReady is returned by a nil or unconfigured SessionManager.
	ErrManagerNotReady = errors.New("session manager not ready")
)

// ErrorKind classifies the errors returned by SessionManager so callers can
// branch on the outcome without matching sentinels one by one.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindSignatureInvalid
	KindMalformed
	KindExpired
	KindTokenNotFound
	KindReuseDetected
	KindConcurrentRotationConflict
	KindStoreUnavailable
	KindCredentialRevoked
	KindInvalidPrincipal
	KindInternal
)

var kindNames = [...]string{
	KindNone:                       "none",
	KindSignatureInvalid:           "signature_invalid",
	KindMalformed:                  "malformed",
	KindExpired:                    "expired",
	KindTokenNotFound:              "token_not_found",
	KindReuseDetected:              "reuse_detected",
	KindConcurrentRotationConflict: "concurrent_rotation_conflict",
	KindStoreUnavailable:           "store_unavailable",
	KindCredentialRevoked:          "credential_revoked",
	KindInvalidPrincipal:           "invalid_principal",
	KindInternal:                   "internal",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Retryable reports whether the failed call may succeed when repeated with backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindStoreUnavailable
}

// ForceLogout reports whether the principal's whole chain must be treated as
// compromised: the caller should clear client-side state and end every session.
// Only reuse detection qualifies; a missing token is not evidence of theft.
func (k ErrorKind) ForceLogout() bool {
	return k == KindReuseDetected
}

// ReauthRequired reports whether the presented credential can never succeed
// again and the client has to log in from scratch.
func (k ErrorKind) ReauthRequired() bool {
	switch k {
	case KindReuseDetected, KindSignatureInvalid, KindMalformed, KindExpired,
		KindTokenNotFound, KindCredentialRevoked:
		return true
	}
	return false
}

// KindOf maps err onto an ErrorKind. Nil maps to KindNone and unknown errors to KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrReuseDetected):
		return KindReuseDetected
	case errors.Is(err, ErrConcurrentRotationConflict):
		return KindConcurrentRotationConflict
	case errors.Is(err, ErrTokenNotFound):
		return KindTokenNotFound
	case errors.Is(err, ErrCredentialRevoked):
		return KindCredentialRevoked
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrSignatureInvalid):
		return KindSignatureInvalid
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrInvalidPrincipal):
		return KindInvalidPrincipal
	default:
		return KindInternal
	}
}
