package persistence

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the storage file cannot be opened or locked, or
// the remote connection cannot be established or timed out.
var ErrUnavailable = errors.New("backend unavailable")

// ErrBadPattern indicates an invalid glob pattern passed to Keys.
var ErrBadPattern = errors.New("malformed key pattern")

// ErrClosed indicates an operation against an already closed store.
var ErrClosed = errors.New("store is closed")

// TypeMismatchError reports an operation applied to a key holding a
// different value shape. Got may be empty when the shape is only known to
// the remote server.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("key %q holds the wrong kind of value for a %s operation", e.Key, e.Want)
	}
	return fmt.Sprintf("key %q holds a %s value, not a %s", e.Key, e.Got, e.Want)
}

// IsTypeMismatch checks if an error is a type-mismatch error
func IsTypeMismatch(err error) bool {
	var tm *TypeMismatchError
	return errors.As(err, &tm)
}

// IsUnavailable checks if an error is a backend-unavailable error
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsBadPattern checks if an error is a malformed-pattern error
func IsBadPattern(err error) bool {
	return errors.Is(err, ErrBadPattern)
}

// unavailable wraps an engine-level failure so callers can match it with
// IsUnavailable while keeping the cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
