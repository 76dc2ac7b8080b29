// Package fstest provides repository fixtures for tests.
package fstest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	"gitlab.com/gitlab-org/revfs/internal/testhelper"
)

// DefaultAuthor is the user fixtures commit as.
const DefaultAuthor = "jane"

// NewRepository creates an empty repository in a temporary directory.
func NewRepository(t testing.TB, opts ...repo.Option) *repo.Repository {
	t.Helper()

	ctx, cancel := testhelper.Context()
	defer cancel()

	opts = append([]repo.Option{repo.WithLogger(testhelper.NewDiscardingLogEntry(t))}, opts...)

	r, err := repo.Create(ctx, testhelper.TempDir(t), opts...)
	require.NoError(t, err)

	return r
}

// NewCommitter begins a transaction on the youngest revision of r and returns a committer
// for it.
func NewCommitter(t testing.TB, ctx context.Context, r *repo.Repository, opts ...txn.Option) *commit.Committer {
	t.Helper()

	youngest, err := r.Youngest(ctx)
	require.NoError(t, err)

	return NewCommitterAt(t, ctx, r, youngest, DefaultAuthor, nil, opts...)
}

// NewCommitterAt begins a transaction on revision base and returns a committer for it
// acting as author with the given lock tokens.
func NewCommitterAt(t testing.TB, ctx context.Context, r *repo.Repository, base int64, author string, tokens locks.Tokens, opts ...txn.Option) *commit.Committer {
	t.Helper()

	transaction, err := txn.Begin(ctx, r, base, opts...)
	require.NoError(t, err)

	return commit.New(r, transaction, author, tokens)
}

// Commit runs edit in a new transaction on the youngest revision and commits it. It
// returns the new revision.
func Commit(t testing.TB, ctx context.Context, r *repo.Repository, edit func(*commit.Committer)) int64 {
	t.Helper()

	committer := NewCommitter(t, ctx, r)
	edit(committer)

	result, err := committer.Commit(ctx, commit.CommitOptions{})
	require.NoError(t, err)
	require.Equal(t, commit.Committed, result.Outcome)

	return result.Revision
}

// WriteFile creates or overwrites the file at path with data and is meant to be used
// inside Commit. Missing parent directories are not created.
func WriteFile(t testing.TB, ctx context.Context, c *commit.Committer, path string, data []byte) {
	t.Helper()

	if _, err := c.Transaction().NodeAt(ctx, path); err != nil {
		require.NoError(t, c.MakeFile(ctx, path))
	}
	require.NoError(t, c.SetFileContents(ctx, path, data))
}

// FileContents returns the contents of path in revision rev.
func FileContents(t testing.TB, ctx context.Context, r *repo.Repository, rev int64, path string) []byte {
	t.Helper()

	revision, err := r.Revision(ctx, rev)
	require.NoError(t, err)

	data, err := revision.FileContents(ctx, path)
	require.NoError(t, err)

	return data
}

// AgeTransaction sets the modification time of the staging directory of transaction and
// of all files in it to modified.
func AgeTransaction(t testing.TB, transaction *txn.Transaction, modified time.Time) {
	t.Helper()

	entries, err := os.ReadDir(transaction.Dir())
	require.NoError(t, err)

	for _, entry := range entries {
		require.NoError(t, os.Chtimes(filepath.Join(transaction.Dir(), entry.Name()), modified, modified))
	}
	require.NoError(t, os.Chtimes(transaction.Dir(), modified, modified))
}
