package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound   = errors.New("document not found")
	ErrConflict   = errors.New("document update conflict")
	ErrConnection = errors.New("remote connection failed")
	ErrClosed     = errors.New("store is closed")
	ErrReadOnly   = errors.New("store is in read-only mode")
)

// ConflictError is returned by Store.Put when the supplied revision is not
// the current one.
type ConflictError struct {
	ID       string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s update conflict: have rev %q, store has %q", e.ID, e.Expected, e.Current)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsNotFound reports whether err is a store lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a stale revision rejection.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
