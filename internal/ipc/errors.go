package ipc

import (
	"errors"
	"fmt"
)

var (
	ErrMissingEntry     = errors.New("bundle entry missing")
	ErrCapacityMismatch = errors.New("bundle capacity does not match local pool")
	ErrLayoutMismatch   = errors.New("bundle kv layout does not match local pool")
	ErrUnexpectedEntry  = errors.New("bundle entry has no local slot")
	ErrBypassNotEmpty   = errors.New("BYPASS handle describes a non-empty tensor")
	ErrEmptyNotBypass   = errors.New("empty tensor carries a real handle")
)

// SizeMismatchError reports a handle whose span disagrees with its recorded
// shape. It is never recoverable.
// Actual is -1 when the adapter refused the span outright.
type SizeMismatchError struct {
	Name     string
	Expected int64
	Actual   int64
	Err      error
}

func (e *SizeMismatchError) Error() string {
	msg := fmt.Sprintf("reconstruction size mismatch for %s: expected %d bytes, got %d", e.Name, e.Expected, e.Actual)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SizeMismatchError) Unwrap() error { return e.Err }

// IsSizeMismatch reports whether err is or wraps a SizeMismatchError.
func IsSizeMismatch(err error) bool {
	var e *SizeMismatchError
	return errors.As(err, &e)
}
