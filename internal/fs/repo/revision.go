package repo

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// Revision is the root of a published revision. Revisions are immutable.
type Revision struct {
	repo   *Repository
	number int64
	root   id.ID
}

// Revision opens published revision rev.
func (r *Repository) Revision(ctx context.Context, rev int64) (*Revision, error) {
	youngest, err := r.Youngest(ctx)
	if err != nil {
		return nil, err
	}
	if rev < 0 || rev > youngest {
		return nil, fmt.Errorf("revision %d: %w", rev, fserr.ErrNoSuchRevision)
	}

	index, err := r.index(ctx, rev)
	if err != nil {
		return nil, err
	}

	return &Revision{repo: r, number: rev, root: index.root}, nil
}

// Number returns the revision number.
func (rev *Revision) Number() int64 {
	return rev.number
}

// RootID returns the identity of the revision's root directory.
func (rev *Revision) RootID() id.ID {
	return rev.root
}

// Repository returns the repository the revision belongs to.
func (rev *Revision) Repository() *Repository {
	return rev.repo
}

// Root returns the revision's root directory.
func (rev *Revision) Root(ctx context.Context) (*revnode.Node, error) {
	return rev.repo.Node(ctx, rev.root)
}

// NodeAt resolves path in the revision.
func (rev *Revision) NodeAt(ctx context.Context, path string) (*revnode.Node, error) {
	path = fspath.Canonicalize(path)

	node, err := rev.Root(ctx)
	if err != nil {
		return nil, err
	}

	walked := fspath.Root
	for _, name := range fspath.Components(path) {
		if !node.IsDir() {
			return nil, fserr.NewPathError("open path", walked, fserr.ErrNotDirectory)
		}

		walked = fspath.Join(walked, name)

		entry, ok := node.Entries[name]
		if !ok {
			return nil, fserr.NewPathError("open path", walked, fserr.ErrNotFound)
		}

		if node, err = rev.repo.Node(ctx, entry.ID); err != nil {
			return nil, err
		}
	}

	return node, nil
}

// FileContents returns the contents of the file at path.
func (rev *Revision) FileContents(ctx context.Context, path string) ([]byte, error) {
	node, err := rev.NodeAt(ctx, path)
	if err != nil {
		return nil, err
	}
	return rev.repo.NodeContents(node)
}

// ChangedPaths returns the paths changed by the revision, in fspath.Compare order.
func (rev *Revision) ChangedPaths(ctx context.Context) ([]changes.PathChange, error) {
	index, err := rev.repo.index(ctx, rev.number)
	if err != nil {
		return nil, err
	}
	return readRevisionChanges(rev.repo.RevisionPath(rev.number), index.trailer)
}

// Properties returns the revision properties.
func (rev *Revision) Properties() (map[string][]byte, error) {
	return rev.repo.RevisionProperties(rev.number)
}

// NodeContents returns the contents of a committed file node. Directories and files
// without contents yield no data.
func (r *Repository) NodeContents(node *revnode.Node) ([]byte, error) {
	if !node.IsDir() && node.Text == nil {
		return nil, nil
	}
	if node.IsDir() {
		return nil, fserr.NewPathError("read contents", node.CreatedPath, fserr.ErrNotFile)
	}
	if node.Text.Revision < 0 {
		return nil, fmt.Errorf("contents of %s are not committed: %w", node.ID, fserr.ErrNotFound)
	}
	return ReadText(r.RevisionPath(node.Text.Revision), node.Text)
}
