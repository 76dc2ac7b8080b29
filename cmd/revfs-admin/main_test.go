package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/config"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fstest"
	"gitlab.com/gitlab-org/revfs/internal/fs/hook"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	"gitlab.com/gitlab-org/revfs/internal/testhelper"
)

func newTestAdmin(t testing.TB, cfg config.Cfg) *admin {
	t.Helper()

	a := &admin{
		cfg:           cfg,
		commitMetrics: commit.NewMetrics(),
		cacheMetrics:  repo.NewCacheMetrics(),
		registerer:    prometheus.NewRegistry(),
	}
	a.registerer.MustRegister(a.commitMetrics, a.cacheMetrics)

	return a
}

func prepareSubcommand(t testing.TB, a *admin, args ...string) subcmd {
	t.Helper()

	cmd, ok := newSubcommands(a)[args[0]]
	require.True(t, ok, "unknown subcommand %q", args[0])

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Flags(fs)
	require.NoError(t, fs.Parse(args[1:]))

	return cmd
}

func runSubcommand(t testing.TB, ctx context.Context, a *admin, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := prepareSubcommand(t, a, args...)

	var stdout bytes.Buffer
	err := cmd.Run(ctx, strings.NewReader(stdin), &stdout)
	return stdout.String(), err
}

func mustRunSubcommand(t testing.TB, ctx context.Context, a *admin, stdin string, args ...string) string {
	t.Helper()

	stdout, err := runSubcommand(t, ctx, a, stdin, args...)
	require.NoError(t, err)
	return stdout
}

func createRepository(t testing.TB, ctx context.Context, a *admin) string {
	t.Helper()

	path := filepath.Join(testhelper.TempDir(t), "repo")
	require.Equal(t, "created repository "+path+"\n", mustRunSubcommand(t, ctx, a, "", "create", "-r", path))
	return path
}

func TestCreateAndYoungest(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	require.Equal(t, "0\n", mustRunSubcommand(t, ctx, a, "", "youngest", "-r", path))

	_, err := runSubcommand(t, ctx, a, "", "create", "-r", path)
	require.Error(t, err)

	_, err = runSubcommand(t, ctx, a, "", "youngest")
	require.True(t, errors.Is(err, errNoRepository))
}

func TestRepositoryPath(t *testing.T) {
	a := newTestAdmin(t, config.Cfg{
		Repositories: []config.Repository{{Name: "default", Path: "/srv/revfs/default"}},
	})

	path, err := a.repositoryPath("default")
	require.NoError(t, err)
	require.Equal(t, "/srv/revfs/default", path)

	path, err = a.repositoryPath("/srv/other")
	require.NoError(t, err)
	require.Equal(t, "/srv/other", path)

	_, err = a.repositoryPath("")
	require.True(t, errors.Is(err, errNoRepository))
}

func TestLoadConfig_environmentOnly(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Empty(t, cfg.Repositories)
	require.Equal(t, config.DefaultTransactionMaxAge, cfg.Transactions.MaxAge.Duration())

	testhelper.ModifyEnvironment(t, "REVFS_LOGGING_FORMAT", "yaml")
	_, err = loadConfig("")
	require.Error(t, err)
	require.Contains(t, err.Error(), `invalid logging format "yaml"`)
}

func TestLoadConfig_file(t *testing.T) {
	dir := testhelper.TempDir(t)

	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
[[repository]]
name = "default"
path = %q
`, dir)), 0o644))

	cfg, err := loadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, []config.Repository{{Name: "default", Path: dir}}, cfg.Repositories)

	// A configuration file must name repositories.
	require.NoError(t, os.WriteFile(cfgPath, []byte("[logging]\nformat = \"json\"\n"), 0o644))
	_, err = loadConfig(cfgPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no repository configurations found")
}

func TestCommitSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	require.Equal(t, "committed revision 1\n", mustRunSubcommand(t, ctx, a, `
{"op": "mkdir", "path": "/trunk"}
{"op": "put", "path": "/trunk/README", "content": "hello"}
{"op": "propset", "path": "/trunk", "name": "owner", "value": "docs"}
`, "commit", "-r", path, "-user", "alice", "-m", "initial import"))

	require.Equal(t, "committed revision 2\n", mustRunSubcommand(t, ctx, a, `
{"op": "cp", "path": "/branch", "from_path": "/trunk", "from_rev": 1}
{"op": "put", "path": "/trunk/README", "content": "hello world"}
`, "commit", "-r", path, "-user", "bob"))

	require.Equal(t, "committed revision 3\n", mustRunSubcommand(t, ctx, a,
		`{"op": "rm", "path": "/branch/README"}`,
		"commit", "-r", path, "-user", "bob"))

	require.Equal(t, "hello world", mustRunSubcommand(t, ctx, a, "", "cat", "-r", path, "/trunk/README"))
	require.Equal(t, "hello", mustRunSubcommand(t, ctx, a, "", "cat", "-r", path, "-rev", "1", "/trunk/README"))

	_, err := runSubcommand(t, ctx, a, "", "cat", "-r", path, "/branch/README")
	require.True(t, errors.Is(err, fserr.ErrNotFound))

	_, err = runSubcommand(t, ctx, a, "", "cat", "-r", path)
	require.Error(t, err)

	logOutput := mustRunSubcommand(t, ctx, a, "", "log", "-r", path, "-rev", "1")
	require.Contains(t, logOutput, "revision 1\n")
	require.Contains(t, logOutput, "initial import")
	require.Contains(t, logOutput, "alice")
	require.Contains(t, logOutput, "/trunk/README")

	logOutput = mustRunSubcommand(t, ctx, a, "", "log", "-r", path, "-rev", "2")
	require.Contains(t, logOutput, "/trunk@1")

	t.Run("failing edit aborts the transaction", func(t *testing.T) {
		_, err := runSubcommand(t, ctx, a, `{"op": "chmod", "path": "/trunk"}`, "commit", "-r", path, "-user", "bob")
		require.EqualError(t, err, `commit: chmod "/trunk": unknown operation "chmod"`)

		_, err = runSubcommand(t, ctx, a, `{"op": "mkdir", "path": "/trunk"}`, "commit", "-r", path, "-user", "bob")
		require.True(t, errors.Is(err, fserr.ErrAlreadyExists))

		_, err = runSubcommand(t, ctx, a, `{"op"`, "commit", "-r", path, "-user", "bob")
		require.Error(t, err)

		r, err := repo.Open(path)
		require.NoError(t, err)
		infos, err := r.Transactions()
		require.NoError(t, err)
		require.Empty(t, infos)
	})

	require.Equal(t, "3\n", mustRunSubcommand(t, ctx, a, "", "youngest", "-r", path))
}

func TestCommitSubcommand_conflict(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	mustRunSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "one"}`, "commit", "-r", path, "-user", "alice")

	_, err := runSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "two"}`,
		"commit", "-r", path, "-user", "bob", "-base", "0")
	require.True(t, errors.Is(err, fserr.ErrMergeConflict))
	require.Contains(t, err.Error(), `conflict at "/f"`)

	r, err := repo.Open(path)
	require.NoError(t, err)
	infos, err := r.Transactions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(0), infos[0].BaseRevision)

	listing := mustRunSubcommand(t, ctx, a, "", "lstxns", "-r", path)
	require.Contains(t, listing, infos[0].ID)

	require.Equal(t, "removed transaction "+infos[0].ID+"\n",
		mustRunSubcommand(t, ctx, a, "", "rmtxns", "-r", path, infos[0].ID))

	infos, err = r.Transactions()
	require.NoError(t, err)
	require.Empty(t, infos)

	_, err = runSubcommand(t, ctx, a, "", "rmtxns", "-r", path)
	require.Error(t, err)
}

func TestCommitSubcommand_hooks(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	r, err := repo.Open(path)
	require.NoError(t, err)
	testhelper.WriteExecutable(t, filepath.Join(r.HooksDir(), hook.PreCommit),
		[]byte(testhelper.FailingHookScript("echo rejected >&2")))

	_, err = runSubcommand(t, ctx, a, `{"op": "mkdir", "path": "/a"}`, "commit", "-r", path, "-user", "alice")
	require.True(t, errors.Is(err, fserr.ErrHookFailed))

	require.Equal(t, "committed revision 1\n", mustRunSubcommand(t, ctx, a, `{"op": "mkdir", "path": "/a"}`,
		"commit", "-r", path, "-user", "alice", "-no-hooks"))

	a.cfg.Hooks.Disabled = true
	require.Equal(t, "committed revision 2\n", mustRunSubcommand(t, ctx, a, `{"op": "mkdir", "path": "/b"}`,
		"commit", "-r", path, "-user", "alice"))
}

func TestLockSubcommands(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	mustRunSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "locked"}`, "commit", "-r", path, "-user", "alice")

	token := strings.TrimSpace(mustRunSubcommand(t, ctx, a, "", "lock", "-r", path, "-user", "alice", "-comment", "mine", "/f"))
	require.NotEmpty(t, token)

	_, err := runSubcommand(t, ctx, a, "", "lock", "-r", path, "-user", "bob", "/f")
	require.True(t, errors.Is(err, fserr.ErrPathAlreadyLocked))

	for _, checkLocks := range []bool{false, true} {
		t.Run(fmt.Sprintf("check locks %v", checkLocks), func(t *testing.T) {
			a.cfg.Transactions.CheckLocks = checkLocks

			_, err := runSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "stolen"}`,
				"commit", "-r", path, "-user", "bob", "-token", token)
			require.True(t, errors.Is(err, fserr.ErrLockOwnerMismatch), "unexpected error: %v", err)

			_, err = runSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "stolen"}`,
				"commit", "-r", path, "-user", "alice")
			require.True(t, errors.Is(err, fserr.ErrNoMatchingLockToken), "unexpected error: %v", err)
		})
	}

	a.cfg.Transactions.CheckLocks = false
	require.Equal(t, "committed revision 2\n", mustRunSubcommand(t, ctx, a, `{"op": "put", "path": "/f", "content": "changed"}`,
		"commit", "-r", path, "-user", "alice", "-token", "unrelated,"+token))

	_, err = runSubcommand(t, ctx, a, "", "unlock", "-r", path, "-user", "alice", "-token", "wrong", "/f")
	require.True(t, errors.Is(err, fserr.ErrNoMatchingLockToken))

	require.Equal(t, "unlocked /f\n", mustRunSubcommand(t, ctx, a, "", "unlock", "-r", path, "-user", "alice", "-token", token, "/f"))

	_, err = runSubcommand(t, ctx, a, "", "unlock", "-r", path, "-user", "alice", "-token", token, "/f")
	require.True(t, errors.Is(err, fserr.ErrNoSuchLock))

	mustRunSubcommand(t, ctx, a, "", "lock", "-r", path, "-user", "alice", "-expires-in", "1h", "/f")
	require.Equal(t, "unlocked /f\n", mustRunSubcommand(t, ctx, a, "", "unlock", "-r", path, "-user", "bob", "-force", "/f"))
}

func makeStaleTransaction(t testing.TB, ctx context.Context, r *repo.Repository) string {
	t.Helper()

	transaction, err := txn.Begin(ctx, r, 0)
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	fstest.AgeTransaction(t, transaction, old)

	return transaction.ID()
}

func TestCleanSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	r, err := repo.Open(path)
	require.NoError(t, err)

	stale := makeStaleTransaction(t, ctx, r)
	fresh, err := txn.Begin(ctx, r, 0)
	require.NoError(t, err)

	require.Equal(t, "removed transaction "+stale+"\n", mustRunSubcommand(t, ctx, a, "", "clean", "-r", path))
	require.Empty(t, mustRunSubcommand(t, ctx, a, "", "clean", "-r", path, "-max-age", "1h"))
	require.Equal(t, "removed transaction "+fresh.ID()+"\n", mustRunSubcommand(t, ctx, a, "", "clean", "-r", path, "-max-age", "1ns"))
}

func TestRecoverSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)
	mustRunSubcommand(t, ctx, a, `{"op": "mkdir", "path": "/a"}`, "commit", "-r", path, "-user", "alice")

	r, err := repo.Open(path)
	require.NoError(t, err)
	current, err := r.ReadCurrent()
	require.NoError(t, err)

	// Lose the pointer update of revision 1.
	require.NoError(t, r.WriteCurrent(repo.Current{Youngest: 0, NextNodeID: 1, NextCopyID: 1}))
	require.Equal(t, "0\n", mustRunSubcommand(t, ctx, a, "", "youngest", "-r", path))

	require.Equal(t, "recovered repository at revision 1\n", mustRunSubcommand(t, ctx, a, "", "recover", "-r", path))

	recovered, err := r.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, current, recovered)
}

func TestServeSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := newTestAdmin(t, config.Cfg{})
	path := createRepository(t, ctx, a)

	r, err := repo.Open(path)
	require.NoError(t, err)
	stale := makeStaleTransaction(t, ctx, r)

	_, err = runSubcommand(t, ctx, a, "", "serve")
	require.True(t, errors.Is(err, errNoRepositories))

	a.cfg.PrometheusListenAddr = "127.0.0.1:0"
	a.cfg.Repositories = []config.Repository{{Name: "default", Path: path}}
	a.cfg.Transactions.MaxAge = config.Duration(time.Hour)
	a.cfg.Transactions.CleanInterval = config.Duration(time.Hour)

	serve := prepareSubcommand(t, a, "serve")
	serveCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve.Run(serveCtx, strings.NewReader(""), io.Discard)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(r.TransactionDir(stale))
		return os.IsNotExist(err)
	}, 10*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-errCh)
}

func TestListFlag(t *testing.T) {
	var l listFlag
	require.NoError(t, l.Set("a, b"))
	require.NoError(t, l.Set("c"))
	require.NoError(t, l.Set(""))
	require.Equal(t, listFlag{"a", "b", "c"}, l)
	require.Equal(t, "a,b,c", l.String())
}
