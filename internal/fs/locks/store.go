package locks

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

// digestFile is stored once per locked path and once per ancestor directory of a locked
// path. Children lists the digests of entries below the path which carry locks, so that a
// recursive walk only visits locked subtrees.
type digestFile struct {
	Path     string   `json:"path"`
	Lock     *Lock    `json:"lock,omitempty"`
	Children []string `json:"children,omitempty"`
}

// Store keeps locks in a directory of digest files. Mutating calls must be serialized by
// the caller, reads may happen concurrently since every file is replaced atomically.
type Store struct {
	dir string
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock makes the store use now to decide whether a lock has expired.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a store keeping its files below dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func digest(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

func (s *Store) digestPath(d string) string {
	return filepath.Join(s.dir, d[:3], d)
}

func (s *Store) read(d string) (*digestFile, error) {
	data, err := os.ReadFile(s.digestPath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fserr.IO("read lock file", err)
	}

	var f digestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fserr.Corruptf("lock file %s: %v", d, err)
	}
	return &f, nil
}

func (s *Store) write(d string, f *digestFile) error {
	if f.Lock == nil && len(f.Children) == 0 {
		if err := os.Remove(s.digestPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fserr.IO("remove lock file", err)
		}
		return nil
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding lock file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.digestPath(d)), 0o755); err != nil {
		return fserr.IO("create lock directory", err)
	}

	return fserr.IO("write lock file", safe.WriteFile(s.digestPath(d), data, 0o644))
}

// Get returns the lock on path. It fails with fserr.ErrNoSuchLock if there is none or the
// lock has expired.
func (s *Store) Get(path string) (*Lock, error) {
	f, err := s.read(digest(path))
	if err != nil {
		return nil, err
	}

	if f == nil || f.Lock == nil || f.Lock.Expired(s.now()) {
		return nil, fserr.NewPathError("get lock", path, fserr.ErrNoSuchLock)
	}

	return f.Lock, nil
}

// Walk calls fn for the lock on path and every lock below it. Expired locks are skipped.
func (s *Store) Walk(path string, fn func(*Lock) error) error {
	return s.walk(digest(path), s.now(), fn)
}

func (s *Store) walk(d string, now time.Time, fn func(*Lock) error) error {
	f, err := s.read(d)
	if err != nil || f == nil {
		return err
	}

	if f.Lock != nil && !f.Lock.Expired(now) {
		if err := fn(f.Lock); err != nil {
			return err
		}
	}

	for _, child := range f.Children {
		if err := s.walk(child, now, fn); err != nil {
			return err
		}
	}

	return nil
}

// Create stores lock. A path can only carry one lock; an expired lock is replaced.
func (s *Store) Create(lock *Lock) error {
	if existing, err := s.Get(lock.Path); err == nil {
		return &fserr.LockError{Path: lock.Path, Owner: existing.Owner, Err: fserr.ErrPathAlreadyLocked}
	} else if !errors.Is(err, fserr.ErrNoSuchLock) {
		return err
	}

	d := digest(lock.Path)
	f, err := s.read(d)
	if err != nil {
		return err
	}
	if f == nil {
		f = &digestFile{Path: lock.Path}
	}
	f.Lock = lock

	if err := s.write(d, f); err != nil {
		return err
	}

	// Register the path with each of its ancestors, stopping at the first ancestor which
	// already knows about it.
	for child, parent := lock.Path, fspath.Dir(lock.Path); child != fspath.Root; child, parent = parent, fspath.Dir(parent) {
		pd := digest(parent)
		pf, err := s.read(pd)
		if err != nil {
			return err
		}
		if pf == nil {
			pf = &digestFile{Path: parent}
		}

		if !addChild(pf, digest(child)) {
			break
		}
		if err := s.write(pd, pf); err != nil {
			return err
		}
	}

	return nil
}

// Delete removes the lock on path. Unless force is set the caller must present the lock's
// token and be its owner.
func (s *Store) Delete(path, token, user string, force bool) error {
	lock, err := s.Get(path)
	if err != nil {
		return err
	}

	if !force {
		if lock.Token != token {
			return &fserr.LockError{Path: path, Owner: lock.Owner, User: user, Err: fserr.ErrNoMatchingLockToken}
		}
		if lock.Owner != user {
			return &fserr.LockError{Path: path, Owner: lock.Owner, User: user, Err: fserr.ErrLockOwnerMismatch}
		}
	}

	d := digest(path)
	f, err := s.read(d)
	if err != nil {
		return err
	}
	f.Lock = nil
	if err := s.write(d, f); err != nil {
		return err
	}

	// Unregister emptied entries from their ancestors.
	for child, parent := path, fspath.Dir(path); child != fspath.Root; child, parent = parent, fspath.Dir(parent) {
		cf, err := s.read(digest(child))
		if err != nil {
			return err
		}
		if cf != nil {
			break
		}

		pd := digest(parent)
		pf, err := s.read(pd)
		if err != nil {
			return err
		}
		if pf == nil || !removeChild(pf, digest(child)) {
			break
		}
		if err := s.write(pd, pf); err != nil {
			return err
		}
	}

	return nil
}

func addChild(f *digestFile, d string) bool {
	idx := sort.SearchStrings(f.Children, d)
	if idx < len(f.Children) && f.Children[idx] == d {
		return false
	}
	f.Children = append(f.Children, "")
	copy(f.Children[idx+1:], f.Children[idx:])
	f.Children[idx] = d
	return true
}

func removeChild(f *digestFile, d string) bool {
	idx := sort.SearchStrings(f.Children, d)
	if idx == len(f.Children) || f.Children[idx] != d {
		return false
	}
	f.Children = append(f.Children[:idx], f.Children[idx+1:]...)
	return true
}
