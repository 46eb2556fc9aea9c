package assetdb

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptState matches any CorruptStateError.
	ErrCorruptState = errors.New("corrupt asset database")

	// ErrPersistence matches any PersistenceError.
	ErrPersistence = errors.New("asset database persistence failed")
)

// CorruptStateError reports a database file that exists but cannot be used.
type CorruptStateError struct {
	Path    string
	Message string
	Cause   error
}

func (e *CorruptStateError) Error() string {
	if e == nil {
		return ""
	}
	msg := nonEmptyOr(e.Message, "unreadable database")
	if e.Cause != nil {
		return fmt.Sprintf("corrupt state %s: %s: %v", e.Path, msg, e.Cause)
	}
	return fmt.Sprintf("corrupt state %s: %s", e.Path, msg)
}

func (e *CorruptStateError) Unwrap() error { return e.Cause }

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

// PersistenceError reports a failed database write. The previous file, if
// any, is left in place.
type PersistenceError struct {
	Path  string
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("persist %s (%s): %v", e.Path, nonEmptyOr(e.Op, "write"), e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
