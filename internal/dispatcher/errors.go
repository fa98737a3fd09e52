package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrUnknownClinic    = errors.New("unknown clinic")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidPassword  = errors.New("invalid password")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidOp(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func storeErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, step, err)
}
