package locks_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
)

func TestVerify(t *testing.T) {
	lock := &locks.Lock{Path: "/f", Owner: "alice", Token: "opaquelocktoken:k"}

	for _, tc := range []struct {
		desc   string
		user   string
		tokens locks.Tokens
		kind   error
	}{
		{desc: "owner with token", user: "alice", tokens: locks.NewTokens("opaquelocktoken:k")},
		{desc: "no user", tokens: locks.NewTokens("opaquelocktoken:k"), kind: fserr.ErrNoUser},
		{desc: "other user with token", user: "bob", tokens: locks.NewTokens("opaquelocktoken:k"), kind: fserr.ErrLockOwnerMismatch},
		{desc: "owner without token", user: "alice", tokens: locks.NewTokens("opaquelocktoken:other"), kind: fserr.ErrNoMatchingLockToken},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := locks.Verify(lock, tc.user, tc.tokens)
			if tc.kind == nil {
				require.NoError(t, err)
				return
			}

			require.True(t, errors.Is(err, tc.kind), "got %v", err)
			var lockErr *fserr.LockError
			require.True(t, errors.As(err, &lockErr))
			require.Equal(t, "/f", lockErr.Path)
			require.Equal(t, "alice", lockErr.Owner)
		})
	}
}

func TestAllowLockedOperation(t *testing.T) {
	store := locks.NewStore(t.TempDir())
	lock := newLock("/dir/f", "alice")
	require.NoError(t, store.Create(lock))

	// Non-recursive checks of the parent do not see the lock below it.
	require.NoError(t, locks.AllowLockedOperation(store, "/dir", "bob", nil, false))

	err := locks.AllowLockedOperation(store, "/dir", "bob", nil, true)
	require.True(t, errors.Is(err, fserr.ErrLockOwnerMismatch))

	err = locks.AllowLockedOperation(store, "/dir/f", "alice", nil, false)
	require.True(t, errors.Is(err, fserr.ErrNoMatchingLockToken))

	require.NoError(t, locks.AllowLockedOperation(store, "/dir", "alice", locks.NewTokens(lock.Token), true))
	require.NoError(t, locks.AllowLockedOperation(store, "/unlocked", "", nil, false))
}

func TestPlanChecks(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		changed  []changes.PathChange
		expected []locks.Check
	}{
		{
			desc: "empty",
		},
		{
			desc: "modifications are not recursive",
			changed: []changes.PathChange{
				{Path: "/a", Kind: changes.Modify},
				{Path: "/a/b", Kind: changes.Modify},
			},
			expected: []locks.Check{
				{Path: "/a", Recursive: false},
				{Path: "/a/b", Recursive: false},
			},
		},
		{
			desc: "descendants of a recursive check are skipped",
			changed: []changes.PathChange{
				{Path: "/a/b/c", Kind: changes.Modify},
				{Path: "/a", Kind: changes.Delete},
				{Path: "/a/b", Kind: changes.Add},
			},
			expected: []locks.Check{
				{Path: "/a", Recursive: true},
			},
		},
		{
			// In plain byte order "/a-b" would sort between "/a" and "/a/x", ending the
			// run of "/a" descendants early.
			desc: "separator sorts before other bytes",
			changed: []changes.PathChange{
				{Path: "/a-b", Kind: changes.Modify},
				{Path: "/a/x", Kind: changes.Modify},
				{Path: "/a", Kind: changes.Replace},
			},
			expected: []locks.Check{
				{Path: "/a", Recursive: true},
				{Path: "/a-b", Recursive: false},
			},
		},
		{
			desc: "root change covers everything",
			changed: []changes.PathChange{
				{Path: "/", Kind: changes.Add},
				{Path: "/z", Kind: changes.Delete},
			},
			expected: []locks.Check{
				{Path: "/", Recursive: true},
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, locks.PlanChecks(tc.changed))
		})
	}
}

func TestVerifyChecks(t *testing.T) {
	store := locks.NewStore(t.TempDir())
	lock := newLock("/a/f", "alice")
	require.NoError(t, store.Create(lock))

	checks := locks.PlanChecks([]changes.PathChange{{Path: "/a", Kind: changes.Delete}})

	err := locks.VerifyChecks(store, checks, "alice", locks.NewTokens())
	require.True(t, errors.Is(err, fserr.ErrNoMatchingLockToken))
	require.NoError(t, locks.VerifyChecks(store, checks, "alice", locks.NewTokens(lock.Token)))
}
