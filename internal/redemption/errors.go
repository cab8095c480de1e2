package redemption

import (
	"errors"

	"github.com/ahsinil/meal-pass/internal/credential"
)

// Credential errors are shared with the codec so callers can match either.
var (
	ErrMalformedCredential = credential.ErrMalformed
	ErrInvalidSignature    = credential.ErrInvalidSignature
	ErrExpired             = credential.ErrExpired
	ErrInputTooShort       = credential.ErrInputTooShort
	ErrPickupCodeMismatch  = credential.ErrPickupCodeMismatch
	ErrIdentityNotFound    = credential.ErrIdentityNotFound
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrAlreadyRedeemed = errors.New("already redeemed")
	ErrValidation      = errors.New("validation error")
	ErrDuplicate       = errors.New("duplicate redemption")
	ErrNotFound        = errors.New("not found")
	ErrOfficerNotFound = errors.New("officer not found")
)

// ErrorKind is the machine-readable rejection reason returned to stations.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindMalformed          ErrorKind = "malformed_credential"
	KindInvalidSignature   ErrorKind = "invalid_signature"
	KindExpired            ErrorKind = "expired"
	KindInputTooShort      ErrorKind = "input_too_short"
	KindPickupCodeMismatch ErrorKind = "pickup_code_mismatch"
	KindIdentityNotFound   ErrorKind = "identity_not_found"
	KindNoActiveSession    ErrorKind = "no_active_session"
	KindAlreadyRedeemed    ErrorKind = "already_redeemed"
	KindValidation         ErrorKind = "validation_error"
	KindDuplicate          ErrorKind = "duplicate"
	KindNotFound           ErrorKind = "not_found"
)

// KindOf maps a domain error to its rejection reason. Infrastructure errors
// return KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMalformedCredential):
		return KindMalformed
	case errors.Is(err, ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrInputTooShort):
		return KindInputTooShort
	case errors.Is(err, ErrPickupCodeMismatch):
		return KindPickupCodeMismatch
	case errors.Is(err, ErrIdentityNotFound):
		return KindIdentityNotFound
	case errors.Is(err, ErrNoActiveSession):
		return KindNoActiveSession
	// ErrAlreadyRedeemed wraps ErrDuplicate, so it must be matched first.
	case errors.Is(err, ErrAlreadyRedeemed):
		return KindAlreadyRedeemed
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOfficerNotFound):
		return KindNotFound
	default:
		return KindNone
	}
}
