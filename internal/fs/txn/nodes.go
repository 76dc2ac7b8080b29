package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

type nextIDs struct {
	node uint64
	copy uint64
}

func (t *Transaction) readNextIDs() (nextIDs, error) {
	data, err := os.ReadFile(t.path(nextIDsFile))
	if err != nil {
		return nextIDs{}, fserr.IO("read next ids", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return nextIDs{}, fserr.Corruptf("transaction %q has malformed next-ids", t.id)
	}

	var ids nextIDs
	if ids.node, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return nextIDs{}, fserr.Corruptf("transaction %q has malformed next node id", t.id)
	}
	if ids.copy, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return nextIDs{}, fserr.Corruptf("transaction %q has malformed next copy id", t.id)
	}

	return ids, nil
}

func (t *Transaction) writeNextIDs(ids nextIDs) error {
	data := fmt.Sprintf("%d %d\n", ids.node, ids.copy)
	return fserr.IO("write next ids", safe.WriteFile(t.path(nextIDsFile), []byte(data), 0o644))
}

func (t *Transaction) reserve(copyID bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, err := t.readNextIDs()
	if err != nil {
		return "", err
	}

	var key string
	if copyID {
		key = id.TxnKey(ids.copy)
		ids.copy++
	} else {
		key = id.TxnKey(ids.node)
		ids.node++
	}

	if err := t.writeNextIDs(ids); err != nil {
		return "", err
	}
	return key, nil
}

// ReserveCopyID allocates a copy number. It is private to the transaction until the
// transaction is committed, when it is mapped onto the global counter.
func (t *Transaction) ReserveCopyID() (string, error) {
	return t.reserve(true)
}

// ReservedIDs returns the number of node and copy numbers the transaction allocated.
func (t *Transaction) ReservedIDs() (nodes uint64, copies uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, err := t.readNextIDs()
	if err != nil {
		return 0, 0, err
	}
	return ids.node, ids.copy, nil
}

func nodeFileName(nodeID id.ID) string {
	return nodeFilePrefix + nodeID.NodeID + "." + nodeID.CopyID
}

// IsMutable reports whether node is owned by the transaction.
func (t *Transaction) IsMutable(node *revnode.Node) bool {
	return node != nil && node.ID.IsTxn() && node.ID.TxnID == t.id
}

// Node returns the node identified by nodeID. Nodes of the transaction are returned as
// live values which must be written back with PutNode after modification. Committed nodes
// are shared and read-only.
func (t *Transaction) Node(ctx context.Context, nodeID id.ID) (*revnode.Node, error) {
	if !nodeID.IsTxn() {
		return t.repo.Node(ctx, nodeID)
	}
	if nodeID.TxnID != t.id {
		return nil, fmt.Errorf("node %s belongs to another transaction: %w", nodeID, fserr.ErrNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.loadNode(nodeID)
}

func (t *Transaction) loadNode(nodeID id.ID) (*revnode.Node, error) {
	if node, ok := t.nodes[nodeID]; ok {
		return node, nil
	}

	data, err := os.ReadFile(t.path(nodeFileName(nodeID)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fserr.Corruptf("transaction %q has no node %s", t.id, nodeID)
		}
		return nil, fserr.IO("read transaction node", err)
	}

	node, err := revnode.Unmarshal(data)
	if err != nil {
		return nil, fserr.Corruptf("transaction %q: %v", t.id, err)
	}
	if node.ID != nodeID {
		return nil, fserr.Corruptf("transaction %q: node file of %s holds %s", t.id, nodeID, node.ID)
	}

	t.nodes[nodeID] = node
	return node, nil
}

func (t *Transaction) hasNode(nodeID id.ID) (bool, error) {
	if _, ok := t.nodes[nodeID]; ok {
		return true, nil
	}
	if _, err := os.Stat(t.path(nodeFileName(nodeID))); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fserr.IO("stat transaction node", err)
	}
	return true, nil
}

// PutNode stores node. Only nodes owned by the transaction can be stored.
func (t *Transaction) PutNode(node *revnode.Node) error {
	if !t.IsMutable(node) {
		return fserr.NewPathError("put node", node.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.putNode(node)
}

func (t *Transaction) putNode(node *revnode.Node) error {
	data, err := revnode.Marshal(node)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", node.ID, err)
	}

	if err := safe.WriteFile(t.path(nodeFileName(node.ID)), data, 0o644); err != nil {
		return fserr.IO("write transaction node", err)
	}

	t.nodes[node.ID] = node
	return nil
}

// CreateNode stores node as a brand new node of the transaction on the branch copyID. The
// node is assigned a fresh node number.
func (t *Transaction) CreateNode(node *revnode.Node, copyID string) error {
	nodeKey, err := t.reserve(false)
	if err != nil {
		return err
	}

	node.ID = id.NewTxn(nodeKey, copyID, t.id)
	return t.PutNode(node)
}

// CreateSuccessor clones the committed node old into the transaction on the branch
// copyID. The clone records old as its predecessor and has no copy source. If the
// transaction already holds a node with the successor's identity, which happens when a
// copy without history aliased old, the clone is put on a fresh branch instead so that
// identities stay unique.
func (t *Transaction) CreateSuccessor(old *revnode.Node, copyID string) (*revnode.Node, error) {
	if old.ID.IsTxn() {
		return nil, fserr.NewPathError("create successor", old.CreatedPath, fserr.ErrNotMutable)
	}

	successor := old.Clone()
	successor.ID = id.NewTxn(old.ID.NodeID, copyID, t.id)

	t.mu.Lock()
	exists, err := t.hasNode(successor.ID)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if exists {
		if copyID, err = t.ReserveCopyID(); err != nil {
			return nil, err
		}
		successor.ID = id.NewTxn(old.ID.NodeID, copyID, t.id)
	}

	predecessor := old.ID
	successor.PredecessorID = &predecessor
	if successor.PredecessorCount >= 0 {
		successor.PredecessorCount++
	}
	successor.CopyFromRevision = id.InvalidRevision
	successor.CopyFromPath = ""

	if err := t.PutNode(successor); err != nil {
		return nil, err
	}
	return successor, nil
}

// SetEntry adds or replaces an entry of the mutable directory parent.
func (t *Transaction) SetEntry(parent *revnode.Node, name string, entry revnode.DirEntry) error {
	if !parent.IsDir() {
		return fserr.NewPathError("set entry", parent.CreatedPath, fserr.ErrNotDirectory)
	}
	if !t.IsMutable(parent) {
		return fserr.NewPathError("set entry", parent.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.Entries == nil {
		parent.Entries = make(map[string]revnode.DirEntry)
	}
	parent.Entries[name] = entry
	return t.putNode(parent)
}

// DeleteEntry removes an entry of the mutable directory parent.
func (t *Transaction) DeleteEntry(parent *revnode.Node, name string) error {
	if !parent.IsDir() {
		return fserr.NewPathError("delete entry", parent.CreatedPath, fserr.ErrNotDirectory)
	}
	if !t.IsMutable(parent) {
		return fserr.NewPathError("delete entry", parent.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(parent.Entries, name)
	return t.putNode(parent)
}

// SetProperties replaces the properties of a mutable node.
func (t *Transaction) SetProperties(node *revnode.Node, props map[string][]byte) error {
	if !t.IsMutable(node) {
		return fserr.NewPathError("set properties", node.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node.Properties = props
	return t.putNode(node)
}

// SetHasMergeInfo records whether a mutable node carries the merge-info property.
func (t *Transaction) SetHasMergeInfo(node *revnode.Node, has bool) error {
	if !t.IsMutable(node) {
		return fserr.NewPathError("set merge info", node.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node.HasMergeInfo = has
	return t.putNode(node)
}

// IncrementMergeInfoCount adjusts the merge-info aggregate of a mutable node by delta.
func (t *Transaction) IncrementMergeInfoCount(node *revnode.Node, delta int64) error {
	if !t.IsMutable(node) {
		return fserr.NewPathError("increment merge info count", node.CreatedPath, fserr.ErrNotMutable)
	}
	if delta == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	count := node.MergeInfoCount + delta
	if count < 0 {
		return fserr.Corruptf("merge info count of %s would become %d", node.ID, count)
	}
	if count > 1 && !node.IsDir() {
		return fserr.Corruptf("file %s would have a merge info count of %d", node.ID, count)
	}

	node.MergeInfoCount = count
	return t.putNode(node)
}

// UpdateAncestry makes source the predecessor of the mutable node target.
func (t *Transaction) UpdateAncestry(target, source *revnode.Node) error {
	if !t.IsMutable(target) {
		return fserr.NewPathError("update ancestry", target.CreatedPath, fserr.ErrNotMutable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	predecessor := source.ID
	target.PredecessorID = &predecessor
	target.PredecessorCount = source.PredecessorCount
	if target.PredecessorCount >= 0 {
		target.PredecessorCount++
	}
	return t.putNode(target)
}
