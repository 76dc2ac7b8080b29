package txn

import (
	"context"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// CopyInheritance tells how a node made mutable picks the copy number of its clone.
type CopyInheritance int

const (
	// InheritUnknown has not been resolved. Making such a node mutable is a bug.
	InheritUnknown = CopyInheritance(iota)
	// InheritParent reuses the copy number of the parent's clone.
	InheritParent
	// InheritNew allocates a fresh copy number. The node is reached through a copy of one
	// of its ancestors.
	InheritNew
	// InheritSelf keeps the node's own copy number. The node is a copy destination reached
	// through its own path, or is already mutable.
	InheritSelf
)

func (c CopyInheritance) String() string {
	switch c {
	case InheritParent:
		return "parent"
	case InheritNew:
		return "new"
	case InheritSelf:
		return "self"
	default:
		return "unknown"
	}
}

// ParentPath is one segment of a resolved path. The chain of parents leads back to the
// root, whose segment has no parent and no entry name.
type ParentPath struct {
	// Node is nil when the last component of a path does not exist.
	Node            *revnode.Node
	Entry           string
	Parent          *ParentPath
	CopyInheritance CopyInheritance
	// CopySourcePath is the created path of a node inheriting a new copy number.
	CopySourcePath string
}

// Path returns the absolute path of the segment.
func (p *ParentPath) Path() string {
	if p.Parent == nil {
		return fspath.Root
	}
	return fspath.Join(p.Parent.Path(), p.Entry)
}

// Root returns the transaction's root directory.
func (t *Transaction) Root(ctx context.Context) (*revnode.Node, error) {
	return t.Node(ctx, t.RootID())
}

// OpenPath resolves path from the transaction root. A missing intermediate component
// fails with fserr.ErrNotFound and a file in the middle with fserr.ErrNotDirectory. The
// last component may be missing unless lastEntryMustExist is set; its segment then has a
// nil Node.
func (t *Transaction) OpenPath(ctx context.Context, path string, lastEntryMustExist bool) (*ParentPath, error) {
	path = fspath.Canonicalize(path)

	root, err := t.Root(ctx)
	if err != nil {
		return nil, err
	}

	parentPath := &ParentPath{Node: root, CopyInheritance: InheritSelf}
	components := fspath.Components(path)

	for i, name := range components {
		parent := parentPath.Node
		here := parentPath.Path()
		childPath := fspath.Join(here, name)

		if !parent.IsDir() {
			return nil, fserr.NewPathError("open path", here, fserr.ErrNotDirectory)
		}

		entry, ok := parent.Entries[name]
		if !ok {
			if i == len(components)-1 && !lastEntryMustExist {
				return &ParentPath{Entry: name, Parent: parentPath}, nil
			}
			return nil, fserr.NewPathError("open path", childPath, fserr.ErrNotFound)
		}

		child, err := t.cachedNode(ctx, childPath, entry)
		if err != nil {
			return nil, err
		}

		inheritance, sourcePath, err := t.copyInheritance(ctx, child, parent, childPath)
		if err != nil {
			return nil, err
		}

		parentPath = &ParentPath{
			Node:            child,
			Entry:           name,
			Parent:          parentPath,
			CopyInheritance: inheritance,
			CopySourcePath:  sourcePath,
		}
	}

	return parentPath, nil
}

func (t *Transaction) copyInheritance(ctx context.Context, child, parent *revnode.Node, childPath string) (CopyInheritance, string, error) {
	if t.IsMutable(child) {
		return InheritSelf, "", nil
	}

	if child.ID.CopyID == "0" || child.ID.CopyID == parent.ID.CopyID {
		return InheritParent, "", nil
	}

	// The child is on a branch of its own. It only stays on that branch when it is the
	// branch point itself and is reached through the path it was copied to.
	copyRootRevision, err := t.repo.Revision(ctx, child.CopyRootRevision)
	if err != nil {
		return InheritUnknown, "", err
	}
	copyRoot, err := copyRootRevision.NodeAt(ctx, child.CopyRootPath)
	if err != nil {
		return InheritUnknown, "", err
	}
	if copyRoot.ID.NodeID != child.ID.NodeID {
		return InheritParent, "", nil
	}

	if child.CreatedPath == childPath {
		return InheritSelf, "", nil
	}

	return InheritNew, child.CreatedPath, nil
}

// NodeAt resolves path in the transaction.
func (t *Transaction) NodeAt(ctx context.Context, path string) (*revnode.Node, error) {
	parentPath, err := t.OpenPath(ctx, path, true)
	if err != nil {
		return nil, err
	}
	return parentPath.Node, nil
}
