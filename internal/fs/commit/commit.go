package commit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/log"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

// Outcome is the result of a commit attempt.
type Outcome int

const (
	// Failed means the commit failed for a reason other than a conflict or staleness.
	Failed = Outcome(iota)
	// Committed means a new revision was published.
	Committed
	// Conflict means the transaction conflicts with a concurrently committed revision.
	Conflict
	// Stale means the transaction fell behind and no newer revision was found to merge.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Conflict:
		return "conflict"
	case Stale:
		return "stale"
	default:
		return "failed"
	}
}

// CommitOptions control the hooks run by Commit.
type CommitOptions struct {
	RunPreCommitHook  bool
	RunPostCommitHook bool
}

// Result describes a commit attempt.
type Result struct {
	Outcome Outcome
	// Revision is the published revision if the outcome is Committed.
	Revision int64
	// ConflictPath is the first conflicting path if the outcome is Conflict.
	ConflictPath string
	// PostCommitErr is set when the revision was published but the post-commit hook
	// failed.
	PostCommitErr error
	// Err is the error which ended an unsuccessful commit.
	Err error
}

// Commit merges the transaction with the youngest revision and publishes it as the next
// revision. If another writer publishes first, the transaction is merged again and the
// publication retried. A non-nil error is returned for every outcome but Committed.
func (c *Committer) Commit(ctx context.Context, opts CommitOptions) (Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "commit.Commit")
	span.SetTag("transaction", c.txn.ID())
	defer span.Finish()

	result := c.commit(ctx, opts)
	c.metrics.commitsTotal.WithLabelValues(result.Outcome.String()).Inc()

	logger := c.log(ctx).WithField("outcome", result.Outcome.String())
	switch result.Outcome {
	case Committed:
		logger.WithField("revision", result.Revision).Info("transaction committed")
		if result.PostCommitErr != nil {
			logger.WithError(result.PostCommitErr).Warn("post-commit hook failed")
		}
	case Conflict:
		logger.WithField("path", result.ConflictPath).Info("transaction conflicts")
	default:
		logger.WithError(result.Err).Error("commit failed")
	}

	return result, result.Err
}

func (c *Committer) commit(ctx context.Context, opts CommitOptions) Result {
	if opts.RunPreCommitHook && c.hooks != nil {
		if err := c.hooks.PreCommit(ctx, c.txn.ID()); err != nil {
			return Result{Outcome: Failed, Err: err}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Failed, Err: err}
		}

		youngest, err := c.repo.Youngest(ctx)
		if err != nil {
			return Result{Outcome: Failed, Err: err}
		}

		youngestRevision, err := c.repo.Revision(ctx, youngest)
		if err != nil {
			return Result{Outcome: Failed, Err: err}
		}

		if err := c.mergeWith(ctx, youngestRevision); err != nil {
			var conflict *fserr.ConflictError
			if errors.As(err, &conflict) {
				return Result{Outcome: Conflict, ConflictPath: conflict.Path, Err: err}
			}
			return Result{Outcome: Failed, Err: err}
		}

		if c.beforeFinalize != nil {
			c.beforeFinalize(ctx)
		}

		rev, err := c.finalize(ctx)
		if err == nil {
			result := Result{Outcome: Committed, Revision: rev}
			if opts.RunPostCommitHook && c.hooks != nil {
				result.PostCommitErr = c.hooks.PostCommit(ctx, rev)
			}
			return result
		}

		if !errors.Is(err, fserr.ErrTransactionOutOfDate) {
			return Result{Outcome: Failed, Err: err}
		}

		// Somebody published a revision between our merge and taking the write lock.
		// Merge with that one unless there is nothing new.
		latest, latestErr := c.repo.Youngest(ctx)
		if latestErr != nil {
			return Result{Outcome: Failed, Err: latestErr}
		}
		if latest == youngest {
			return Result{Outcome: Stale, Err: err}
		}

		c.metrics.mergeRetriesTotal.Inc()
		c.log(ctx).WithFields(logrus.Fields{
			"merged_revision": youngest,
			"youngest":        latest,
		}).Debug("retrying merge")
	}
}

// finalize publishes the transaction under the repository write lock.
func (c *Committer) finalize(ctx context.Context) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "commit.finalize")
	defer span.Finish()

	var rev int64
	err := c.repo.WithWriteLock(ctx, func() (returnedErr error) {
		start := time.Now()
		defer func() {
			c.metrics.finalizeLatency.Observe(time.Since(start).Seconds())
		}()

		txnLock, err := c.txn.Lock(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := txnLock.Release(); err != nil && returnedErr == nil {
				returnedErr = fserr.IO("release transaction lock", err)
			}
		}()

		rev, err = c.publish(ctx)
		return err
	})

	return rev, err
}

// publish writes the transaction as the next revision. The caller holds the write lock.
func (c *Committer) publish(ctx context.Context) (int64, error) {
	current, err := c.repo.ReadCurrent()
	if err != nil {
		return 0, err
	}

	if base := c.txn.BaseRevision(); base != current.Youngest {
		return 0, fmt.Errorf("transaction %q is based on revision %d, youngest is %d: %w",
			c.txn.ID(), base, current.Youngest, fserr.ErrTransactionOutOfDate)
	}

	changed, err := c.txn.ChangedPaths()
	if err != nil {
		return 0, err
	}

	if err := locks.VerifyChecks(c.repo.Locks(), locks.PlanChecks(changed), c.author, c.tokens); err != nil {
		return 0, err
	}

	newRev := current.Youngest + 1
	revPath := c.repo.RevisionPath(newRev)
	if _, err := os.Stat(revPath); err == nil {
		return 0, fserr.Corruptf("revision file %d already exists", newRev)
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fserr.IO("stat revision file", err)
	}

	reservedNodes, reservedCopies, err := c.txn.ReservedIDs()
	if err != nil {
		return 0, err
	}

	f := finalizer{
		committer: c,
		rev:       newRev,
		nodeStart: current.NextNodeID,
		copyStart: current.NextCopyID,
	}

	if err := f.writeRevisionFile(ctx, changed); err != nil {
		return 0, err
	}

	if err := safe.Rename(c.txn.PrototypePath(), revPath); err != nil {
		return 0, fserr.IO("publish revision file", err)
	}

	logger := c.log(ctx).WithField("revision", newRev)

	if err := c.publishProperties(newRev); err != nil {
		return 0, err
	}

	if err := c.repo.WriteCurrent(repo.Current{
		Youngest:   newRev,
		NextNodeID: current.NextNodeID + reservedNodes,
		NextCopyID: current.NextCopyID + reservedCopies,
	}); err != nil {
		return 0, err
	}

	// The revision is published at this point. A transaction directory which cannot be
	// removed is left for the cleaner.
	if err := c.repo.PurgeTransaction(c.txn.ID()); err != nil {
		logger.WithError(err).Warn("purging committed transaction failed")
	}

	return newRev, nil
}

// publishProperties moves the transaction properties, stamped with the commit date, into
// the revision property slot of rev.
func (c *Committer) publishProperties(rev int64) error {
	props, err := c.txn.RevisionProperties()
	if err != nil {
		return err
	}

	props[repo.DateProperty] = []byte(repo.FormatDate(c.now()))
	if _, ok := props[repo.AuthorProperty]; !ok && c.author != "" {
		props[repo.AuthorProperty] = []byte(c.author)
	}

	if err := repo.WriteProperties(c.txn.PropertiesPath(), props); err != nil {
		return err
	}

	if err := safe.Rename(c.txn.PropertiesPath(), c.repo.RevisionPropertiesPath(rev)); err != nil {
		return fserr.IO("publish revision properties", err)
	}

	return nil
}

// finalizer rewrites transaction nodes into their final form.
type finalizer struct {
	committer *Committer
	rev       int64
	nodeStart uint64
	copyStart uint64
}

func (f *finalizer) finalID(nodeID id.ID) (id.ID, error) {
	if !nodeID.IsTxn() {
		return nodeID, nil
	}

	nodeKey, err := id.FinalKey(nodeID.NodeID, f.nodeStart)
	if err != nil {
		return id.ID{}, fserr.Corruptf("node %s: %v", nodeID, err)
	}
	copyKey, err := id.FinalKey(nodeID.CopyID, f.copyStart)
	if err != nil {
		return id.ID{}, fserr.Corruptf("node %s: %v", nodeID, err)
	}

	return id.NewRevision(nodeKey, copyKey, f.rev), nil
}

// writeRevisionFile appends the final nodes and the changed paths to the prototype
// revision file. On failure the prototype file is restored.
func (f *finalizer) writeRevisionFile(ctx context.Context, changed []changes.PathChange) (returnedErr error) {
	c := f.committer

	writer, err := repo.NewRevisionWriter(c.txn.PrototypePath())
	if err != nil {
		return err
	}
	defer func() {
		if returnedErr == nil {
			returnedErr = writer.Close()
			return
		}
		if err := writer.Abort(); err != nil {
			c.log(ctx).WithError(err).Error("restoring prototype revision file failed")
		}
	}()

	if _, err := f.writeNode(ctx, writer, c.txn.RootID(), true); err != nil {
		return err
	}

	final := make([]changes.PathChange, 0, len(changed))
	for _, change := range changed {
		if change.NodeID, err = f.finalID(change.NodeID); err != nil {
			return err
		}
		final = append(final, change)
	}

	return writer.WriteChanges(final)
}

// writeNode writes the transaction node nodeID and all transaction nodes below it.
// Committed nodes are shared with earlier revisions and not written again.
func (f *finalizer) writeNode(ctx context.Context, writer *repo.RevisionWriter, nodeID id.ID, root bool) (id.ID, error) {
	if !nodeID.IsTxn() {
		return nodeID, nil
	}

	node, err := f.committer.txn.Node(ctx, nodeID)
	if err != nil {
		return id.ID{}, err
	}

	final := node.Clone()

	if final.IsDir() {
		for _, name := range final.EntryNames() {
			entry := final.Entries[name]
			if entry.ID, err = f.writeNode(ctx, writer, entry.ID, false); err != nil {
				return id.ID{}, err
			}
			final.Entries[name] = entry
		}
	}

	if final.ID, err = f.finalID(node.ID); err != nil {
		return id.ID{}, err
	}
	if final.PredecessorID != nil && final.PredecessorID.IsTxn() {
		return id.ID{}, fserr.Corruptf("node %s has transaction predecessor %s", node.ID, final.PredecessorID)
	}
	if final.Text != nil && final.Text.Revision == id.InvalidRevision {
		final.Text.Revision = f.rev
	}
	if final.CopyRootRevision == id.InvalidRevision {
		final.CopyRootRevision = f.rev
	}

	if err := writer.WriteNode(final, root); err != nil {
		return id.ID{}, err
	}

	return final.ID, nil
}

// AbortTransaction deletes the transaction txnID. It does not require the transaction to
// be opened.
func AbortTransaction(ctx context.Context, r *repo.Repository, txnID string) error {
	if err := r.PurgeTransaction(txnID); err != nil {
		return err
	}

	log.FromContext(ctx, "commit").WithField("transaction", txnID).Info("transaction aborted")
	return nil
}
