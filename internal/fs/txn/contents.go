package txn

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// WriteContents appends data to the prototype revision file and makes it the contents of
// the mutable file node.
func (t *Transaction) WriteContents(node *revnode.Node, data []byte) error {
	if node.IsDir() {
		return fserr.NewPathError("write contents", node.CreatedPath, fserr.ErrNotFile)
	}
	if !t.IsMutable(node) {
		return fserr.NewPathError("write contents", node.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.OpenFile(t.path(prototypeFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fserr.IO("open prototype revision file", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fserr.IO("stat prototype revision file", err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fserr.IO("write contents", err)
	}
	if err := file.Close(); err != nil {
		return fserr.IO("close prototype revision file", err)
	}

	sum := sha1.Sum(data)
	node.Text = &revnode.TextRep{
		Revision: id.InvalidRevision,
		Offset:   info.Size(),
		Size:     int64(len(data)),
		SHA1:     hex.EncodeToString(sum[:]),
	}

	return t.putNode(node)
}

// NodeContents returns the contents of a file node, which may be committed or owned by
// the transaction.
func (t *Transaction) NodeContents(node *revnode.Node) ([]byte, error) {
	if node.IsDir() {
		return nil, fserr.NewPathError("read contents", node.CreatedPath, fserr.ErrNotFile)
	}
	if node.Text != nil && node.Text.Revision == id.InvalidRevision {
		return repo.ReadText(t.path(prototypeFile), node.Text)
	}
	return t.repo.NodeContents(node)
}

// FileContents returns the contents of the file at path.
func (t *Transaction) FileContents(ctx context.Context, path string) ([]byte, error) {
	node, err := t.NodeAt(ctx, path)
	if err != nil {
		return nil, err
	}
	return t.NodeContents(node)
}
