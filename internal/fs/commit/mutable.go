package commit

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
)

// makePathMutable makes every node of parentPath owned by the transaction, cloning
// committed nodes from the root downwards. The segments of parentPath are updated to
// point at the clones.
func (c *Committer) makePathMutable(ctx context.Context, parentPath *txn.ParentPath) error {
	if c.txn.IsMutable(parentPath.Node) {
		return nil
	}

	// The transaction root is cloned when the transaction is created.
	if parentPath.Parent == nil {
		return fserr.NewPathError("make mutable", parentPath.Path(), fserr.ErrNotMutable)
	}

	if err := c.makePathMutable(ctx, parentPath.Parent); err != nil {
		return err
	}
	parent := parentPath.Parent.Node
	node := parentPath.Node

	var copyID string
	switch parentPath.CopyInheritance {
	case txn.InheritParent:
		copyID = parent.ID.CopyID
	case txn.InheritNew:
		reserved, err := c.txn.ReserveCopyID()
		if err != nil {
			return err
		}
		copyID = reserved
	case txn.InheritSelf:
		copyID = node.ID.CopyID
	default:
		return fmt.Errorf("make %q mutable: copy inheritance %s", parentPath.Path(), parentPath.CopyInheritance)
	}

	// A node which is not the root of its own branch takes the branch of its new parent.
	copyRootRevision, err := c.repo.Revision(ctx, node.CopyRootRevision)
	if err != nil {
		return err
	}
	copyRoot, err := copyRootRevision.NodeAt(ctx, node.CopyRootPath)
	if err != nil {
		return err
	}

	clone, err := c.txn.CreateSuccessor(node, copyID)
	if err != nil {
		return err
	}
	clone.CreatedPath = parentPath.Path()
	if copyRoot.ID.NodeID != node.ID.NodeID {
		clone.CopyRootRevision = parent.CopyRootRevision
		clone.CopyRootPath = parent.CopyRootPath
	}
	if err := c.txn.PutNode(clone); err != nil {
		return err
	}

	if err := c.txn.SetEntry(parent, parentPath.Entry, revnode.DirEntry{ID: clone.ID, Kind: clone.Kind}); err != nil {
		return err
	}

	parentPath.Node = clone
	c.txn.CacheNode(parentPath.Path(), clone)

	return nil
}

// incrementMergeInfoUpTree adds delta to the merge-info count of every node from
// parentPath up to the root. All of them must already be mutable.
func (c *Committer) incrementMergeInfoUpTree(parentPath *txn.ParentPath, delta int64) error {
	for p := parentPath; p != nil; p = p.Parent {
		if err := c.txn.IncrementMergeInfoCount(p.Node, delta); err != nil {
			return err
		}
	}
	return nil
}
