// Package tempdir removes the staging directories of transactions which were abandoned
// without being committed or aborted.
package tempdir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

// MaxAge is the default age after which a transaction counts as abandoned.
const MaxAge = 7 * 24 * time.Hour

// Repository is a repository the cleaner walks.
type Repository struct {
	Name string
	Repo *repo.Repository
}

// Clean aborts every transaction of r which has not been modified for maxAge and returns
// the IDs of the removed transactions. Transactions being committed are waited for.
func Clean(ctx context.Context, r *repo.Repository, maxAge time.Duration) ([]string, error) {
	infos, err := r.Transactions()
	if err != nil {
		return nil, err
	}

	now := r.Now()

	var removed []string
	for _, info := range infos {
		if now.Sub(info.Modified) < maxAge {
			continue
		}

		ok, err := abortStale(ctx, r, info.ID)
		if err != nil {
			return removed, fmt.Errorf("transaction %q: %w", info.ID, err)
		}
		if ok {
			removed = append(removed, info.ID)
		}
	}

	return removed, nil
}

// abortStale aborts txnID while holding its lock so that a commit of the transaction is
// never torn apart. It reports false if the transaction vanished in the meantime.
func abortStale(ctx context.Context, r *repo.Repository, txnID string) (_ bool, returnedErr error) {
	t, err := txn.Open(r, txnID)
	if err != nil {
		if errors.Is(err, fserr.ErrNoSuchTransaction) {
			return false, nil
		}
		return false, err
	}

	lock, err := t.Lock(ctx)
	if err != nil {
		if _, openErr := txn.Open(r, txnID); errors.Is(openErr, fserr.ErrNoSuchTransaction) {
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := lock.Release(); err != nil && returnedErr == nil {
			returnedErr = fserr.IO("release transaction lock", err)
		}
	}()

	if err := commit.AbortTransaction(ctx, r, txnID); err != nil {
		if errors.Is(err, fserr.ErrNoSuchTransaction) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func logger(ctx context.Context) *logrus.Entry {
	return log.FromContext(ctx, "tempdir")
}
