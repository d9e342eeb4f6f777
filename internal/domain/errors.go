package domain

import (
	"errors"
	"fmt"
)

// ErrSubscriptionClosed is returned by queue operations on a closed
// subscription. Callers treat it as an end-of-stream signal, not a failure.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ValidationError rejects a message before it reaches the store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// StorageError wraps a persistence failure. The message was neither stored
// nor delivered to anyone; the caller may retry the post.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
