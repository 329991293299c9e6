package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every StorageError with errors.Is.
	ErrStorage = errors.New("storage failure")
	// ErrInvariant matches every InvariantError with errors.Is.
	ErrInvariant = errors.New("invariant violation")
)

// StorageError is returned when a transaction could not begin or commit, or a read or
// write inside it failed. Nothing was committed. Callers may retry the whole event.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InvariantError is returned when the store hands back a state which cannot happen, e.g.
// a door reading filed under another session. Nothing was committed.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvariant, e.Msg)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

func storageErr(op string, err error) error {
	var serr *StorageError
	var ierr *InvariantError
	if errors.As(err, &serr) || errors.As(err, &ierr) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invariantErr(format string, args ...interface{}) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
