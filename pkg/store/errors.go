package store

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyClosed     = errors.New("flagstone: already closed")
	ErrFileNotFound      = errors.New("flagstone: file not found")
	ErrNoSuchDirectory   = errors.New("flagstone: no such directory")
	ErrEOF               = errors.New("flagstone: read past EOF")
	ErrCorruptIndex      = errors.New("flagstone: corrupt index")
	ErrSliceOfSlice      = errors.New("flagstone: cannot slice a sliced input")
	ErrInvalidArgument   = errors.New("flagstone: invalid argument")
	ErrUnsupported       = errors.New("flagstone: unsupported operation")
	ErrLockObtainFailed  = errors.New("flagstone: lock obtain failed")
	ErrLockReleaseFailed = errors.New("flagstone: lock release failed")
)

// CorruptIndexError reports bytes that cannot be what was written: bad
// magic, checksum mismatch, malformed variable-length integers, duplicate
// entries. It matches ErrCorruptIndex with errors.Is.
type CorruptIndexError struct {
	Resource string
	Msg      string
	Err      error
}

// NewCorruptIndexError formats a corruption message against resource.
func NewCorruptIndexError(resource string, format string, args ...any) *CorruptIndexError {
	return &CorruptIndexError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

func (e *CorruptIndexError) Error() string {
	s := e.Msg + " (resource=" + e.Resource + ")"
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

func (e *CorruptIndexError) Is(target error) bool { return target == ErrCorruptIndex }

// LockObtainFailedError is returned when a lock could not be obtained
// within its timeout. Cause holds the last underlying failure, if any.
type LockObtainFailedError struct {
	Lock  string
	Cause error
}

func (e *LockObtainFailedError) Error() string {
	s := "lock obtain timed out: " + e.Lock
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *LockObtainFailedError) Unwrap() error { return e.Cause }

func (e *LockObtainFailedError) Is(target error) bool { return target == ErrLockObtainFailed }

// LockReleaseFailedError means the lock artifact could not be freed and
// another obtain may wrongly believe the resource is free.
type LockReleaseFailedError struct {
	Lock  string
	Cause error
}

func (e *LockReleaseFailedError) Error() string {
	s := "failed to release lock " + e.Lock
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *LockReleaseFailedError) Unwrap() error { return e.Cause }

func (e *LockReleaseFailedError) Is(target error) bool { return target == ErrLockReleaseFailed }

func alreadyClosed(resource string) error {
	return errors.Wrap(ErrAlreadyClosed, resource)
}

func fileNotFound(name string) error {
	return errors.Wrap(ErrFileNotFound, name)
}

func readPastEOF(resource string) error {
	return errors.Wrap(ErrEOF, resource)
}

func describe(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}
