package repo_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fstest"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/testhelper"
)

func TestCreate(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	path := testhelper.TempDir(t)
	date := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	r, err := repo.Create(ctx, path,
		repo.WithLogger(testhelper.NewDiscardingLogEntry(t)),
		repo.WithClock(func() time.Time { return date }),
	)
	require.NoError(t, err)
	require.Equal(t, path, r.Path())

	require.Equal(t, "1\n", string(testhelper.MustReadFile(t, filepath.Join(path, "format"))))
	require.Equal(t, "0 1 1\n", string(testhelper.MustReadFile(t, filepath.Join(path, "db", "current"))))
	for _, dir := range []string{r.HooksDir(), r.LocksDir(), r.TransactionsDir()} {
		require.DirExists(t, dir)
	}

	revision, err := r.Revision(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, id.NewRevision("0", "0", 0), revision.RootID())

	root, err := revision.Root(ctx)
	require.NoError(t, err)
	require.True(t, root.IsDir())
	require.Empty(t, root.Entries)
	require.Nil(t, root.PredecessorID)
	require.Equal(t, int64(0), root.CopyRootRevision)
	require.Equal(t, "/", root.CopyRootPath)

	changed, err := revision.ChangedPaths(ctx)
	require.NoError(t, err)
	require.Empty(t, changed)

	props, err := revision.Properties()
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		repo.DateProperty: []byte("2021-06-01T12:00:00.000000Z"),
	}, props)

	_, err = repo.Create(ctx, path)
	require.True(t, errors.Is(err, fserr.ErrAlreadyExists))
}

func TestOpen(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	created := fstest.NewRepository(t)
	fstest.Commit(t, ctx, created, func(c *commit.Committer) {
		fstest.WriteFile(t, ctx, c, "/f", []byte("data"))
	})

	r, err := repo.Open(created.Path(), repo.WithLogger(testhelper.NewDiscardingLogEntry(t)))
	require.NoError(t, err)

	youngest, err := r.Youngest(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), youngest)
	require.Equal(t, []byte("data"), fstest.FileContents(t, ctx, r, 1, "/f"))

	t.Run("missing repository", func(t *testing.T) {
		_, err := repo.Open(testhelper.TempDir(t))
		require.True(t, errors.Is(err, fserr.ErrNotFound))
	})

	t.Run("unsupported format", func(t *testing.T) {
		path := testhelper.TempDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(path, "format"), []byte("2\n"), 0o644))

		_, err := repo.Open(path)
		require.True(t, errors.Is(err, fserr.ErrCorrupt))
	})
}

func TestRevision_missing(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)

	for _, rev := range []int64{-1, 1} {
		_, err := r.Revision(ctx, rev)
		require.True(t, errors.Is(err, fserr.ErrNoSuchRevision), "revision %d", rev)
	}
}

func TestRevision_nodeAt(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)
	rev := fstest.Commit(t, ctx, r, func(c *commit.Committer) {
		require.NoError(t, c.MakeDirectory(ctx, "/dir"))
		fstest.WriteFile(t, ctx, c, "/dir/file", []byte("contents"))
		require.NoError(t, c.MakeFile(ctx, "/empty"))
	})

	revision, err := r.Revision(ctx, rev)
	require.NoError(t, err)

	node, err := revision.NodeAt(ctx, "dir//file/")
	require.NoError(t, err)
	require.Equal(t, revnode.KindFile, node.Kind)
	require.Equal(t, "/dir/file", node.CreatedPath)

	data, err := revision.FileContents(ctx, "/empty")
	require.NoError(t, err)
	require.Empty(t, data)

	_, err = revision.NodeAt(ctx, "/dir/missing")
	require.True(t, errors.Is(err, fserr.ErrNotFound))

	_, err = revision.NodeAt(ctx, "/dir/file/below")
	require.True(t, errors.Is(err, fserr.ErrNotDirectory))

	_, err = revision.FileContents(ctx, "/dir")
	require.True(t, errors.Is(err, fserr.ErrNotFile))
}

func TestReadCurrent_malformed(t *testing.T) {
	r := fstest.NewRepository(t)

	for _, content := range []string{"", "1 2\n", "x 1 1\n", "-1 1 1\n", "1 -2 1\n", "1 1 y\n"} {
		require.NoError(t, os.WriteFile(filepath.Join(r.Path(), "db", "current"), []byte(content), 0o644))

		_, err := r.ReadCurrent()
		require.True(t, errors.Is(err, fserr.ErrCorrupt), "content %q", content)
	}
}

func TestWriteCurrent(t *testing.T) {
	r := fstest.NewRepository(t)

	require.NoError(t, r.WriteCurrent(repo.Current{Youngest: 3, NextNodeID: 7, NextCopyID: 2}))
	require.Equal(t, "3 7 2\n", string(testhelper.MustReadFile(t, filepath.Join(r.Path(), "db", "current"))))

	current, err := r.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, repo.Current{Youngest: 3, NextNodeID: 7, NextCopyID: 2}, current)

	// Leftovers of other writers do not block the pointer.
	require.NoError(t, os.WriteFile(filepath.Join(r.Path(), "db", "current.lock"), nil, 0o644))
	require.NoError(t, r.WriteCurrent(repo.Current{Youngest: 4, NextNodeID: 7, NextCopyID: 2}))
	require.Equal(t, "4 7 2\n", string(testhelper.MustReadFile(t, filepath.Join(r.Path(), "db", "current"))))
}

func TestRevisionProperties(t *testing.T) {
	r := fstest.NewRepository(t)

	require.NoError(t, r.WriteRevisionProperties(0, map[string][]byte{
		repo.LogProperty: []byte("changed"),
	}))

	props, err := r.RevisionProperties(0)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{repo.LogProperty: []byte("changed")}, props)

	_, err = r.RevisionProperties(1)
	require.True(t, errors.Is(err, fserr.ErrNotFound))

	require.NoError(t, os.WriteFile(r.RevisionPropertiesPath(0), []byte("{"), 0o644))
	_, err = r.RevisionProperties(0)
	require.True(t, errors.Is(err, fserr.ErrCorrupt))
}

func TestWithWriteLock(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			require.NoError(t, r.WithWriteLock(ctx, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)

	expectedErr := errors.New("callback failed")
	require.Equal(t, expectedErr, r.WithWriteLock(ctx, func() error { return expectedErr }))

	cancel()
	require.True(t, errors.Is(r.WithWriteLock(ctx, func() error { return nil }), context.Canceled))
}

func TestCacheMetrics(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	created := fstest.NewRepository(t)
	fstest.Commit(t, ctx, created, func(c *commit.Committer) {
		require.NoError(t, c.MakeFile(ctx, "/f"))
	})

	metrics := repo.NewCacheMetrics()
	r, err := repo.Open(created.Path(), repo.WithCacheSize(1), repo.WithCacheMetrics(metrics))
	require.NoError(t, err)

	for _, rev := range []int64{0, 1, 0} {
		revision, err := r.Revision(ctx, rev)
		require.NoError(t, err)
		_, err = revision.Root(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, testutil.CollectAndCompare(metrics, strings.NewReader(`
# HELP revfs_revision_cache_access_total Total number of revision index cache accesses by type (hit, miss, evict)
# TYPE revfs_revision_cache_access_total counter
revfs_revision_cache_access_total{type="evict"} 2
revfs_revision_cache_access_total{type="hit"} 3
revfs_revision_cache_access_total{type="miss"} 3
`)))
}
