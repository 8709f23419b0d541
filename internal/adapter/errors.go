package adapter

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrConflict      = errors.New("conflict")
	ErrNotSupported  = errors.New("not supported by this adapter")
	ErrConfiguration = errors.New("invalid configuration")
)

// Errorf wraps a sentinel kind with a formatted detail message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Unsupported returns the ErrNotSupported error for op on the named adapter.
func Unsupported(adapter, op string) error {
	return fmt.Errorf("%w: %s adapter does not implement %s", ErrNotSupported, adapter, op)
}
