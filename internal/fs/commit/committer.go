// Package commit implements the mutator of a transaction: the node operations which edit
// the transaction tree copy-on-write, the three-way merge against concurrently committed
// revisions, and the commit protocol which publishes the transaction as a new revision.
package commit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

// Hooks are run around the publication of a revision.
type Hooks interface {
	// PreCommit runs before the transaction is merged. An error aborts the commit.
	PreCommit(ctx context.Context, txnID string) error
	// PostCommit runs after the revision has been published.
	PostCommit(ctx context.Context, rev int64) error
}

// Committer edits and commits one transaction on behalf of one user.
type Committer struct {
	repo    *repo.Repository
	txn     *txn.Transaction
	author  string
	tokens  locks.Tokens
	hooks   Hooks
	metrics *Metrics
	now     func() time.Time

	// beforeFinalize runs after each merge, right before the write lock is taken.
	beforeFinalize func(context.Context)
}

// Option configures a Committer.
type Option func(*Committer)

// WithHooks sets the hooks run by Commit.
func WithHooks(hooks Hooks) Option {
	return func(c *Committer) {
		c.hooks = hooks
	}
}

// WithMetrics makes the committer record its commits in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Committer) {
		c.metrics = metrics
	}
}

// WithClock overrides the clock used for the revision date.
func WithClock(now func() time.Time) Option {
	return func(c *Committer) {
		c.now = now
	}
}

// New returns a Committer of transaction t. author is the user locks are verified
// against and tokens are the lock tokens the user presents.
func New(r *repo.Repository, t *txn.Transaction, author string, tokens locks.Tokens, opts ...Option) *Committer {
	c := &Committer{
		repo:    r,
		txn:     t,
		author:  author,
		tokens:  tokens,
		metrics: NewMetrics(),
		now:     r.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Transaction returns the transaction being edited.
func (c *Committer) Transaction() *txn.Transaction {
	return c.txn
}

func (c *Committer) log(ctx context.Context) logrus.FieldLogger {
	return log.FromContext(ctx, "commit.Committer").WithField("transaction", c.txn.ID())
}

// checkLocks verifies the locks affected by an operation on path if the transaction
// asked for eager lock checks.
func (c *Committer) checkLocks(path string, recursive bool) error {
	enabled, err := c.txn.CheckLocks()
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return locks.AllowLockedOperation(c.repo.Locks(), path, c.author, c.tokens, recursive)
}

// DeleteNode removes the node at path, including its subtree.
func (c *Committer) DeleteNode(ctx context.Context, path string) error {
	path = fspath.Canonicalize(path)
	if path == fspath.Root {
		return fserr.NewPathError("delete", path, fserr.ErrRootDirectory)
	}

	parentPath, err := c.txn.OpenPath(ctx, path, true)
	if err != nil {
		return err
	}

	if err := c.checkLocks(path, true); err != nil {
		return err
	}

	if err := c.makePathMutable(ctx, parentPath.Parent); err != nil {
		return err
	}

	deleted := parentPath.Node
	if err := c.txn.DeleteEntry(parentPath.Parent.Node, parentPath.Entry); err != nil {
		return err
	}
	c.txn.EvictPath(path)

	if deleted.MergeInfoCount > 0 {
		if err := c.incrementMergeInfoUpTree(parentPath.Parent, -deleted.MergeInfoCount); err != nil {
			return err
		}
	}

	return c.txn.AddChange(changes.PathChange{
		Path:             path,
		NodeID:           deleted.ID,
		Kind:             changes.Delete,
		NodeKind:         deleted.Kind,
		CopyFromRevision: id.InvalidRevision,
	})
}

// ChangeNodeProperty sets the property name of the node at path. A nil value removes the
// property.
func (c *Committer) ChangeNodeProperty(ctx context.Context, path, name string, value []byte) error {
	path = fspath.Canonicalize(path)

	if err := revnode.ValidateProperty(name, value); err != nil {
		return err
	}

	parentPath, err := c.txn.OpenPath(ctx, path, true)
	if err != nil {
		return err
	}

	if err := c.checkLocks(path, false); err != nil {
		return err
	}

	// Removing a property from a node without properties changes nothing.
	if len(parentPath.Node.Properties) == 0 && value == nil {
		return nil
	}

	if err := c.makePathMutable(ctx, parentPath); err != nil {
		return err
	}
	node := parentPath.Node

	props := make(map[string][]byte, len(node.Properties)+1)
	for key, v := range node.Properties {
		props[key] = v
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = value
	}

	if name == revnode.MergeInfoProperty {
		hasMergeInfo := value != nil
		if hasMergeInfo != node.HasMergeInfo {
			if err := c.txn.SetHasMergeInfo(node, hasMergeInfo); err != nil {
				return err
			}

			delta := int64(1)
			if !hasMergeInfo {
				delta = -1
			}
			if err := c.incrementMergeInfoUpTree(parentPath, delta); err != nil {
				return err
			}
		}
	}

	if err := c.txn.SetProperties(node, props); err != nil {
		return err
	}

	return c.txn.AddChange(changes.PathChange{
		Path:             path,
		NodeID:           node.ID,
		Kind:             changes.Modify,
		NodeKind:         node.Kind,
		PropsModified:    true,
		CopyFromRevision: id.InvalidRevision,
	})
}

// MakeFile creates an empty file at path.
func (c *Committer) MakeFile(ctx context.Context, path string) error {
	return c.makeEntry(ctx, path, revnode.KindFile)
}

// MakeDirectory creates an empty directory at path.
func (c *Committer) MakeDirectory(ctx context.Context, path string) error {
	return c.makeEntry(ctx, path, revnode.KindDir)
}

func (c *Committer) makeEntry(ctx context.Context, path string, kind revnode.Kind) error {
	path = fspath.Canonicalize(path)
	if err := fspath.Validate(path); err != nil {
		return err
	}
	if path == fspath.Root {
		return fserr.NewPathError("create", path, fserr.ErrAlreadyExists)
	}

	parentPath, err := c.txn.OpenPath(ctx, path, false)
	if err != nil {
		return err
	}

	if parentPath.Node != nil {
		return fserr.NewPathError("create", path, fserr.ErrAlreadyExists)
	}
	if !fspath.IsSinglePathComponent(parentPath.Entry) {
		return fserr.NewPathError("create", path, fserr.ErrNotSinglePathComponent)
	}

	if err := c.checkLocks(path, kind == revnode.KindDir); err != nil {
		return err
	}

	if err := c.makePathMutable(ctx, parentPath.Parent); err != nil {
		return err
	}
	parent := parentPath.Parent.Node

	node := &revnode.Node{
		Kind:             kind,
		CopyFromRevision: id.InvalidRevision,
		CopyRootRevision: parent.CopyRootRevision,
		CopyRootPath:     parent.CopyRootPath,
		CreatedPath:      path,
	}
	if err := c.txn.CreateNode(node, parent.ID.CopyID); err != nil {
		return err
	}

	if err := c.txn.SetEntry(parent, parentPath.Entry, revnode.DirEntry{ID: node.ID, Kind: kind}); err != nil {
		return err
	}
	c.txn.CacheNode(path, node)

	return c.txn.AddChange(changes.PathChange{
		Path:             path,
		NodeID:           node.ID,
		Kind:             changes.Add,
		NodeKind:         kind,
		CopyFromRevision: id.InvalidRevision,
	})
}

// MakeCopy copies the node at fromPath in revision from to toPath. With preserveHistory
// the copy becomes a new branch which remembers its source; without it the destination
// entry simply aliases the source node.
func (c *Committer) MakeCopy(ctx context.Context, from *repo.Revision, fromPath, toPath string, preserveHistory bool) error {
	fromPath = fspath.Canonicalize(fromPath)
	toPath = fspath.Canonicalize(toPath)
	if toPath == fspath.Root {
		return fserr.NewPathError("copy", toPath, fserr.ErrRootDirectory)
	}

	source, err := from.NodeAt(ctx, fromPath)
	if err != nil {
		return err
	}

	toParentPath, err := c.txn.OpenPath(ctx, toPath, false)
	if err != nil {
		return err
	}

	if err := c.checkLocks(toPath, true); err != nil {
		return err
	}

	// Copying a node onto itself is a no-op.
	if toParentPath.Node != nil && toParentPath.Node.ID == source.ID {
		return nil
	}

	kind := changes.Add
	var mergeInfoStart int64
	if toParentPath.Node != nil {
		kind = changes.Replace
		mergeInfoStart = toParentPath.Node.MergeInfoCount
	}
	mergeInfoEnd := source.MergeInfoCount

	if err := c.makePathMutable(ctx, toParentPath.Parent); err != nil {
		return err
	}
	parent := toParentPath.Parent.Node

	entry := revnode.DirEntry{ID: source.ID, Kind: source.Kind}
	if preserveHistory {
		copyID, err := c.txn.ReserveCopyID()
		if err != nil {
			return err
		}

		copied, err := c.txn.CreateSuccessor(source, copyID)
		if err != nil {
			return err
		}
		copied.CopyFromRevision = from.Number()
		copied.CopyFromPath = fromPath
		copied.CopyRootRevision = id.InvalidRevision
		copied.CopyRootPath = toPath
		copied.CreatedPath = toPath
		if err := c.txn.PutNode(copied); err != nil {
			return err
		}

		entry.ID = copied.ID
	}

	if err := c.txn.SetEntry(parent, toParentPath.Entry, entry); err != nil {
		return err
	}
	c.txn.EvictPath(toPath)

	if mergeInfoEnd != mergeInfoStart {
		if err := c.incrementMergeInfoUpTree(toParentPath.Parent, mergeInfoEnd-mergeInfoStart); err != nil {
			return err
		}
	}

	change := changes.PathChange{
		Path:             toPath,
		NodeID:           entry.ID,
		Kind:             kind,
		NodeKind:         source.Kind,
		CopyFromRevision: id.InvalidRevision,
	}
	if preserveHistory {
		change.CopyFromRevision = from.Number()
		change.CopyFromPath = fromPath
	}

	return c.txn.AddChange(change)
}

// SetFileContents replaces the contents of the file at path.
func (c *Committer) SetFileContents(ctx context.Context, path string, data []byte) error {
	path = fspath.Canonicalize(path)

	parentPath, err := c.txn.OpenPath(ctx, path, true)
	if err != nil {
		return err
	}
	if parentPath.Node.IsDir() {
		return fserr.NewPathError("set contents", path, fserr.ErrNotFile)
	}

	if err := c.checkLocks(path, false); err != nil {
		return err
	}

	if err := c.makePathMutable(ctx, parentPath); err != nil {
		return err
	}

	if err := c.txn.WriteContents(parentPath.Node, data); err != nil {
		return err
	}

	return c.txn.AddChange(changes.PathChange{
		Path:             path,
		NodeID:           parentPath.Node.ID,
		Kind:             changes.Modify,
		NodeKind:         revnode.KindFile,
		TextModified:     true,
		CopyFromRevision: id.InvalidRevision,
	})
}
