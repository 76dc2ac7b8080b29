package repo

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
)

const transactionSuffix = ".txn"

// TransactionLockFile is the lock file inside a staging directory. Taking the lock does
// not count as activity of the transaction.
const TransactionLockFile = "rev-lock"

// TransactionInfo describes a staging directory found on disk.
type TransactionInfo struct {
	ID           string
	BaseRevision int64
	// Modified is the last time a file of the transaction was written.
	Modified time.Time
}

// Transactions lists all transactions which have a staging directory.
func (r *Repository) Transactions() ([]TransactionInfo, error) {
	entries, err := os.ReadDir(r.TransactionsDir())
	if err != nil {
		return nil, fserr.IO("list transactions", err)
	}

	var infos []TransactionInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), transactionSuffix) {
			continue
		}

		txnID := strings.TrimSuffix(entry.Name(), transactionSuffix)

		modified, err := r.transactionModified(txnID)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fserr.IO("stat transaction", err)
		}

		infos = append(infos, TransactionInfo{
			ID:           txnID,
			BaseRevision: BaseRevisionOf(txnID),
			Modified:     modified,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

// transactionModified returns the newest modification time of the files in the staging
// directory of txnID, ignoring the transaction lock. The directory's own time is used
// when it holds no files.
func (r *Repository) transactionModified(txnID string) (time.Time, error) {
	dir := r.TransactionDir(txnID)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}

	var modified time.Time
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == TransactionLockFile {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return time.Time{}, err
		}

		if info.ModTime().After(modified) {
			modified = info.ModTime()
		}
	}

	if modified.IsZero() {
		modified = dirInfo.ModTime()
	}

	return modified, nil
}

// BaseRevisionOf returns the revision a transaction was created from, which prefixes its
// ID, or -1 if the ID has no such prefix.
func BaseRevisionOf(txnID string) int64 {
	idx := strings.IndexByte(txnID, '-')
	if idx <= 0 {
		return -1
	}

	rev, err := strconv.ParseInt(txnID[:idx], 10, 64)
	if err != nil {
		return -1
	}
	return rev
}

// PurgeTransaction deletes the staging directory of txnID. Leftovers after the deletion
// are reported as an error.
func (r *Repository) PurgeTransaction(txnID string) error {
	dir := r.TransactionDir(txnID)

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("transaction %q: %w", txnID, fserr.ErrNoSuchTransaction)
		}
		return fserr.IO("stat transaction", err)
	}

	removeErr := os.RemoveAll(dir)

	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		if removeErr == nil {
			removeErr = errors.New("staging directory still exists")
		}
		return fserr.IO(fmt.Sprintf("purge transaction %q", txnID), removeErr)
	}

	return nil
}
