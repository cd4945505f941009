// README: Typed errors returned by the request engine.
package request

import (
	"errors"
	"fmt"

	"roadassist/internal/types"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrOpenRequest               = errors.New("requester already has an open request")
	ErrNotFound                  = errors.New("request not found")
	ErrForbidden                 = errors.New("forbidden")
	ErrInvalidState              = errors.New("invalid state transition")
	ErrDuplicateOffer            = errors.New("helper already offered")
	ErrNotOffered                = errors.New("helper has not offered on this request")
	ErrBadRequest                = errors.New("bad request")
	ErrPhoneVerificationRequired = errors.New("phone verification required")
	ErrConcurrentUpdate          = errors.New("request state conflict")
)

// ConflictError points at the requester's existing open request so the
// caller can resume it.
type ConflictError struct {
	ExistingID types.ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrOpenRequest, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrOpenRequest }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
