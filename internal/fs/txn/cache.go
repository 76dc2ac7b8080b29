package txn

import (
	"context"

	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// cachedNode returns the node entry points to, consulting the path cache first. A cached
// node is only used if it still has the identity the directory entry names.
func (t *Transaction) cachedNode(ctx context.Context, path string, entry revnode.DirEntry) (*revnode.Node, error) {
	t.mu.Lock()
	cached, ok := t.pathCache[path]
	t.mu.Unlock()

	if ok && cached.ID == entry.ID {
		return cached, nil
	}

	node, err := t.Node(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	t.CacheNode(path, node)
	return node, nil
}

// CacheNode remembers node as the node at path.
func (t *Transaction) CacheNode(path string, node *revnode.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pathCache[path] = node
}

// EvictPath forgets the cached nodes at and below path.
func (t *Transaction) EvictPath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for cached := range t.pathCache {
		if cached == path || fspath.IsAncestor(path, cached) {
			delete(t.pathCache, cached)
		}
	}
}

// ClearCache forgets all cached paths.
func (t *Transaction) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pathCache = make(map[string]*revnode.Node)
}
