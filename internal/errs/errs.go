// Package errs holds the error taxonomy shared by every engine component.
// Operations wrap one of the registered sentinels with context; callers match
// them with errors.Is.
package errs

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

const Codespace = "chainguard"

var (
	ErrValidation   = errorsmod.Register(Codespace, 2, "validation failed")
	ErrUnauthorized = errorsmod.Register(Codespace, 3, "unauthorized")
	ErrState        = errorsmod.Register(Codespace, 4, "invalid state")
	ErrNotFound     = errorsmod.Register(Codespace, 5, "not found")
	ErrRateLimited  = errorsmod.Register(Codespace, 6, "rate limit exceeded")
)

// Validation, Unauthorized, State, NotFound and RateLimited wrap the matching
// sentinel with a formatted message.
func Validation(format string, args ...any) error {
	return errorsmod.Wrapf(ErrValidation, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return errorsmod.Wrapf(ErrUnauthorized, format, args...)
}

func State(format string, args ...any) error {
	return errorsmod.Wrapf(ErrState, format, args...)
}

func NotFound(format string, args ...any) error {
	return errorsmod.Wrapf(ErrNotFound, format, args...)
}

func RateLimited(format string, args ...any) error {
	return errorsmod.Wrapf(ErrRateLimited, format, args...)
}

// Kind names the taxonomy bucket of err, or "internal" for anything else.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "authorization"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	default:
		return "internal"
	}
}
