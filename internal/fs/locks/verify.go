package locks

import (
	"errors"
	"sort"

	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
)

// Verify checks that user may change the path protected by lock while presenting tokens.
func Verify(lock *Lock, user string, tokens Tokens) error {
	switch {
	case user == "":
		return &fserr.LockError{Path: lock.Path, Owner: lock.Owner, Err: fserr.ErrNoUser}
	case user != lock.Owner:
		return &fserr.LockError{Path: lock.Path, Owner: lock.Owner, User: user, Err: fserr.ErrLockOwnerMismatch}
	case !tokens.Has(lock.Token):
		return &fserr.LockError{Path: lock.Path, Owner: lock.Owner, User: user, Err: fserr.ErrNoMatchingLockToken}
	}
	return nil
}

// AllowLockedOperation checks every lock affecting a change of path. With recursive set
// the locks of the whole subtree are checked.
func AllowLockedOperation(store *Store, path, user string, tokens Tokens, recursive bool) error {
	if recursive {
		return store.Walk(path, func(lock *Lock) error {
			return Verify(lock, user, tokens)
		})
	}

	lock, err := store.Get(path)
	if err != nil {
		if errors.Is(err, fserr.ErrNoSuchLock) {
			return nil
		}
		return err
	}

	return Verify(lock, user, tokens)
}

// Check is a single lock check of a commit.
type Check struct {
	Path      string
	Recursive bool
}

// PlanChecks turns the folded changes of a transaction into the lock checks a commit must
// perform. Modifications only check the path itself, every other change checks the whole
// subtree. Paths are ordered with fspath.Compare so that a directory immediately precedes
// its subtree, which allows dropping every path below the last recursive check.
func PlanChecks(changed []changes.PathChange) []Check {
	sorted := make([]changes.PathChange, len(changed))
	copy(sorted, changed)
	sort.SliceStable(sorted, func(i, j int) bool {
		return fspath.Compare(sorted[i].Path, sorted[j].Path) < 0
	})

	var checks []Check
	lastRecursed := ""
	for _, change := range sorted {
		if lastRecursed != "" && (change.Path == lastRecursed || fspath.IsAncestor(lastRecursed, change.Path)) {
			continue
		}

		recursive := change.Kind != changes.Modify
		checks = append(checks, Check{Path: change.Path, Recursive: recursive})
		if recursive {
			lastRecursed = change.Path
		}
	}

	return checks
}

// VerifyChecks runs the planned checks against the store.
func VerifyChecks(store *Store, checks []Check, user string, tokens Tokens) error {
	for _, check := range checks {
		if err := AllowLockedOperation(store, check.Path, user, tokens, check.Recursive); err != nil {
			return err
		}
	}
	return nil
}
