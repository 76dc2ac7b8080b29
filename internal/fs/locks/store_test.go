package locks_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
)

func newLock(path, owner string) *locks.Lock {
	return &locks.Lock{
		Path:    path,
		Token:   locks.NewToken(),
		Owner:   owner,
		Created: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func countFiles(t *testing.T, dir string) int {
	var count int
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	}))
	return count
}

func TestStore_lifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	store := locks.NewStore(dir)

	_, err := store.Get("/trunk/a.txt")
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))

	lock := newLock("/trunk/a.txt", "alice")
	require.NoError(t, store.Create(lock))

	got, err := store.Get("/trunk/a.txt")
	require.NoError(t, err)
	require.Equal(t, lock.Token, got.Token)
	require.Equal(t, "alice", got.Owner)

	// The lock file plus one file for "/trunk" and one for "/".
	require.Equal(t, 3, countFiles(t, dir))

	err = store.Create(newLock("/trunk/a.txt", "bob"))
	require.True(t, errors.Is(err, fserr.ErrPathAlreadyLocked))

	err = store.Delete("/trunk/a.txt", "wrong", "alice", false)
	require.True(t, errors.Is(err, fserr.ErrNoMatchingLockToken))

	err = store.Delete("/trunk/a.txt", lock.Token, "bob", false)
	require.True(t, errors.Is(err, fserr.ErrLockOwnerMismatch))

	require.NoError(t, store.Delete("/trunk/a.txt", lock.Token, "alice", false))
	_, err = store.Get("/trunk/a.txt")
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))
	require.Equal(t, 0, countFiles(t, dir))

	err = store.Delete("/trunk/a.txt", lock.Token, "alice", false)
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))
}

func TestStore_forceDelete(t *testing.T) {
	store := locks.NewStore(t.TempDir())
	require.NoError(t, store.Create(newLock("/f", "alice")))
	require.NoError(t, store.Delete("/f", "", "admin", true))

	_, err := store.Get("/f")
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))
}

func TestStore_Walk(t *testing.T) {
	dir := t.TempDir()
	store := locks.NewStore(dir)

	for _, path := range []string{"/a/x", "/a/b/y", "/a-b", "/c"} {
		require.NoError(t, store.Create(newLock(path, "alice")))
	}

	collect := func(path string) []string {
		var paths []string
		require.NoError(t, store.Walk(path, func(lock *locks.Lock) error {
			paths = append(paths, lock.Path)
			return nil
		}))
		return paths
	}

	require.ElementsMatch(t, []string{"/a/x", "/a/b/y"}, collect("/a"))
	require.ElementsMatch(t, []string{"/a/x", "/a/b/y", "/a-b", "/c"}, collect("/"))
	require.ElementsMatch(t, []string{"/c"}, collect("/c"))
	require.Empty(t, collect("/nonexistent"))

	// Removing one of two siblings keeps the shared ancestors registered.
	lock, err := store.Get("/a/x")
	require.NoError(t, err)
	require.NoError(t, store.Delete("/a/x", lock.Token, "alice", false))
	require.ElementsMatch(t, []string{"/a/b/y"}, collect("/a"))
}

func TestStore_expiredLocks(t *testing.T) {
	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	store := locks.NewStore(t.TempDir(), locks.WithClock(func() time.Time { return now }))

	lock := newLock("/f", "alice")
	lock.Expires = now.Add(-time.Minute)
	require.NoError(t, store.Create(lock))

	_, err := store.Get("/f")
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))

	require.NoError(t, store.Walk("/", func(*locks.Lock) error {
		require.FailNow(t, "expired lock must not be walked")
		return nil
	}))

	// An expired lock does not prevent locking the path again.
	require.NoError(t, store.Create(newLock("/f", "bob")))
	got, err := store.Get("/f")
	require.NoError(t, err)
	require.Equal(t, "bob", got.Owner)
}

func TestLock_Expired(t *testing.T) {
	now := time.Now()
	require.False(t, (&locks.Lock{}).Expired(now))
	require.False(t, (&locks.Lock{Expires: now.Add(time.Second)}).Expired(now))
	require.True(t, (&locks.Lock{Expires: now}).Expired(now))
}

func TestNewToken(t *testing.T) {
	a, b := locks.NewToken(), locks.NewToken()
	require.NotEqual(t, a, b)
	require.Regexp(t, `^opaquelocktoken:[0-9a-f-]{36}$`, a)
}
