package repo

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

// LockPath locks the file at path in the youngest revision on behalf of owner. A zero
// expires creates a lock which never expires.
func (r *Repository) LockPath(ctx context.Context, path, owner, comment string, expires time.Time) (*locks.Lock, error) {
	path = fspath.Canonicalize(path)
	if owner == "" {
		return nil, &fserr.LockError{Path: path, Err: fserr.ErrNoUser}
	}

	var lock *locks.Lock
	if err := r.WithWriteLock(ctx, func() error {
		youngest, err := r.Youngest(ctx)
		if err != nil {
			return err
		}

		rev, err := r.Revision(ctx, youngest)
		if err != nil {
			return err
		}

		node, err := rev.NodeAt(ctx, path)
		if err != nil {
			return err
		}
		if node.IsDir() {
			return fserr.NewPathError("lock", path, fserr.ErrNotFile)
		}

		lock = &locks.Lock{
			Path:    path,
			Token:   locks.NewToken(),
			Owner:   owner,
			Comment: comment,
			Created: r.now(),
			Expires: expires,
		}

		return r.locks.Create(lock)
	}); err != nil {
		return nil, err
	}

	log.FromContext(ctx, "repo").WithFields(logrus.Fields{
		"path":  path,
		"owner": owner,
	}).Info("path locked")

	return lock, nil
}

// UnlockPath removes the lock on path. Without force, user must own the lock and present
// its token.
func (r *Repository) UnlockPath(ctx context.Context, path, token, user string, force bool) error {
	path = fspath.Canonicalize(path)

	if err := r.WithWriteLock(ctx, func() error {
		return r.locks.Delete(path, token, user, force)
	}); err != nil {
		return err
	}

	log.FromContext(ctx, "repo").WithFields(logrus.Fields{
		"path":  path,
		"user":  user,
		"force": force,
	}).Info("path unlocked")

	return nil
}
