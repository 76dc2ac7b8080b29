package tempdir

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/revfs/internal/fs/fstest"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	"gitlab.com/gitlab-org/revfs/internal/testhelper"
)

func beginAged(t *testing.T, ctx context.Context, r *repo.Repository, modified time.Time) *txn.Transaction {
	t.Helper()

	transaction, err := txn.Begin(ctx, r, 0)
	require.NoError(t, err)
	fstest.AgeTransaction(t, transaction, modified)

	return transaction
}

func transactionIDs(t *testing.T, r *repo.Repository) []string {
	t.Helper()

	infos, err := r.Transactions()
	require.NoError(t, err)

	var ids []string
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids
}

func TestClean(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	r := fstest.NewRepository(t, repo.WithClock(func() time.Time { return now }))

	stale := beginAged(t, ctx, r, now.Add(-MaxAge-time.Minute))
	recent := beginAged(t, ctx, r, now.Add(-time.Hour))

	removed, err := Clean(ctx, r, MaxAge)
	require.NoError(t, err)
	require.Equal(t, []string{stale.ID()}, removed)

	testhelper.AssertPathNotExists(t, stale.Dir())
	require.DirExists(t, recent.Dir())
	require.Equal(t, []string{recent.ID()}, transactionIDs(t, r))

	removed, err = Clean(ctx, r, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{recent.ID()}, removed)
	require.Empty(t, transactionIDs(t, r))
}

func TestClean_waitsForTransactionLock(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)
	transaction := beginAged(t, ctx, r, time.Unix(0, 0))

	lock, err := transaction.Lock(ctx)
	require.NoError(t, err)

	type result struct {
		removed []string
		err     error
	}

	done := make(chan result)
	go func() {
		removed, err := Clean(ctx, r, MaxAge)
		done <- result{removed: removed, err: err}
	}()

	select {
	case <-done:
		require.FailNow(t, "cleaner did not wait for the transaction lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.DirExists(t, transaction.Dir())
	require.NoError(t, lock.Release())

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []string{transaction.ID()}, res.removed)
	testhelper.AssertPathNotExists(t, transaction.Dir())
}

func TestCleanRepositories(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	first := fstest.NewRepository(t)
	second := fstest.NewRepository(t)

	beginAged(t, ctx, first, time.Unix(0, 0))
	beginAged(t, ctx, second, time.Unix(0, 0))
	beginAged(t, ctx, second, time.Unix(0, 0))

	logger, hook := testhelper.NewCapturingLogEntry(t)
	ctx, cancel = testhelper.Context(testhelper.ContextWithLogger(logger))
	defer cancel()

	cleanRepositories(ctx, []Repository{
		{Name: "first", Repo: first},
		{Name: "second", Repo: second},
	}, MaxAge)

	require.Empty(t, transactionIDs(t, first))
	require.Empty(t, transactionIDs(t, second))

	counts := map[string]int{}
	for _, entry := range hook.AllEntries() {
		if entry.Message != "finished transaction cleaner walk" {
			continue
		}
		counts[entry.Data["repository"].(string)] = entry.Data["transactions"].(int)
	}
	require.Equal(t, map[string]int{"first": 1, "second": 2}, counts)
	require.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestCleanRepositories_panickingRepository(t *testing.T) {
	r := fstest.NewRepository(t)

	logger, hook := testhelper.NewCapturingLogEntry(t)
	ctx, cancel := testhelper.Context(testhelper.ContextWithLogger(logger))
	defer cancel()

	beginAged(t, ctx, r, time.Unix(0, 0))

	cleanRepositories(ctx, []Repository{
		{Name: "broken"},
		{Name: "default", Repo: r},
	}, MaxAge)

	require.Empty(t, transactionIDs(t, r))

	errs := map[string]interface{}{}
	for _, entry := range hook.AllEntries() {
		if entry.Message == "finished transaction cleaner walk" {
			errs[entry.Data["repository"].(string)] = entry.Data[logrus.ErrorKey]
		}
	}
	require.Equal(t, map[string]interface{}{"broken": errPanicked, "default": nil}, errs)
}

func TestStartCleaning(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)
	transaction := beginAged(t, ctx, r, time.Unix(0, 0))

	stop := StartCleaning(ctx, []Repository{{Name: "default", Repo: r}}, MaxAge, time.Hour)

	require.Eventually(t, func() bool {
		_, err := os.Stat(transaction.Dir())
		return os.IsNotExist(err)
	}, 10*time.Second, 10*time.Millisecond)

	stop()
}

type manualTicker struct {
	c      chan time.Time
	resets chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:      make(chan time.Time, 1),
		resets: make(chan struct{}, 16),
	}
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Reset()              { t.resets <- struct{}{} }
func (t *manualTicker) Stop()               {}
func (t *manualTicker) Tick()               { t.c <- time.Now() }

func TestStartCleaning_walksOnTick(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	r := fstest.NewRepository(t)
	first := beginAged(t, ctx, r, time.Unix(0, 0))

	ticker := newManualTicker()
	stop := startCleaning(ctx, []Repository{{Name: "default", Repo: r}}, time.Hour, ticker)
	defer stop()

	// The first walk runs right away.
	<-ticker.resets
	testhelper.AssertPathNotExists(t, first.Dir())

	second := beginAged(t, ctx, r, time.Unix(0, 0))
	require.DirExists(t, second.Dir())

	ticker.Tick()
	<-ticker.resets
	testhelper.AssertPathNotExists(t, second.Dir())
}

func TestIntervalTicker(t *testing.T) {
	ticker := newIntervalTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		require.FailNow(t, "ticked before reset")
	case <-time.After(10 * time.Millisecond):
	}

	ticker.Reset()
	<-ticker.C()
}
