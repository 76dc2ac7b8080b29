// Package fserr defines the error kinds reported by the revision storage engine. Every kind
// is a sentinel usable with errors.Is; the carrier types attach the offending path, lock
// owner or I/O operation.
package fserr

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when a node is created at an occupied path.
	ErrAlreadyExists = errors.New("path already exists")
	// ErrNotFound is returned when a path does not resolve to a node.
	ErrNotFound = errors.New("path not found")
	// ErrNotDirectory is returned when a directory was expected but a file was found.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFile is returned when a file was expected but a directory was found.
	ErrNotFile = errors.New("not a file")
	// ErrNotSinglePathComponent is returned when a directory entry name contains a separator.
	ErrNotSinglePathComponent = errors.New("not a single path component")
	// ErrIllegalName is returned for malformed paths and property names.
	ErrIllegalName = errors.New("illegal name")
	// ErrRootDirectory is returned for operations which cannot be applied to the root.
	ErrRootDirectory = errors.New("the root directory cannot be modified this way")
	// ErrNotMutable is returned when code attempts to change a node which is not owned by
	// the active transaction.
	ErrNotMutable = errors.New("node is not mutable")
	// ErrMergeConflict is returned when the transaction and a concurrently committed
	// revision changed the same path.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrLockOwnerMismatch is returned when a path is locked by a different user.
	ErrLockOwnerMismatch = errors.New("lock owner mismatch")
	// ErrNoMatchingLockToken is returned when the committer owns a lock but did not
	// present its token.
	ErrNoMatchingLockToken = errors.New("no matching lock token")
	// ErrNoUser is returned when locks must be verified but no user is known.
	ErrNoUser = errors.New("no username available")
	// ErrTransactionOutOfDate is returned when the transaction's base is no longer the
	// youngest revision and there is nothing newer to retry against.
	ErrTransactionOutOfDate = errors.New("transaction out of date")
	// ErrIO tags failures of the durability layer.
	ErrIO = errors.New("i/o error")
	// ErrHookFailed is returned when a repository hook exits unsuccessfully.
	ErrHookFailed = errors.New("hook failed")
	// ErrPathAlreadyLocked is returned when locking a path which already has a lock.
	ErrPathAlreadyLocked = errors.New("path already locked")
	// ErrNoSuchLock is returned when unlocking a path which has no lock.
	ErrNoSuchLock = errors.New("no such lock")
	// ErrNoSuchRevision is returned for revision numbers beyond the youngest revision.
	ErrNoSuchRevision = errors.New("no such revision")
	// ErrNoSuchTransaction is returned when a transaction directory does not exist.
	ErrNoSuchTransaction = errors.New("no such transaction")
	// ErrCorrupt is returned when on-disk state violates the repository format.
	ErrCorrupt = errors.New("corrupt repository")
	// ErrBadProperty is returned for property values which violate the property rules.
	ErrBadProperty = errors.New("bad property value")
)

// PathError records an error and the repository path which caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

// NewPathError returns a PathError for the given operation, path and kind.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

func (e *PathError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the error kind.
func (e *PathError) Unwrap() error {
	return e.Err
}

// ConflictError reports the path at which a three-way merge found divergent changes.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict at %q", e.Path)
}

// Unwrap returns ErrMergeConflict.
func (e *ConflictError) Unwrap() error {
	return ErrMergeConflict
}

// LockError reports a failed lock verification.
type LockError struct {
	Path  string
	Owner string
	User  string
	Err   error
}

func (e *LockError) Error() string {
	switch {
	case errors.Is(e.Err, ErrNoUser):
		return fmt.Sprintf("cannot verify lock on path %q; no username available", e.Path)
	case errors.Is(e.Err, ErrLockOwnerMismatch):
		return fmt.Sprintf("user %q does not own lock on path %q (currently locked by %q)", e.User, e.Path, e.Owner)
	case errors.Is(e.Err, ErrNoMatchingLockToken):
		return fmt.Sprintf("cannot verify lock on path %q; no matching lock-token available", e.Path)
	default:
		return fmt.Sprintf("lock on path %q: %v", e.Path, e.Err)
	}
}

// Unwrap returns the lock error kind.
func (e *LockError) Unwrap() error {
	return e.Err
}

// IOError wraps a failure of the durability layer. It matches both ErrIO and the cause.
type IOError struct {
	Op  string
	Err error
}

// IO wraps err as an IOError. A nil err yields nil.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrIO and the underlying cause.
func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// Corruptf returns an error of kind ErrCorrupt with a formatted message.
func Corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
