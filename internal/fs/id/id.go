// Package id implements node identities. An identity names one version of one node, either
// inside a transaction (mutable) or inside a committed revision (immutable forever).
package id

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidRevision marks an unset revision number.
const InvalidRevision int64 = -1

const txnKeyPrefix = "_"

// ID is the identity of a node revision. The node key is shared by all revisions of
// the same node, the copy key tells apart the branches created by copies. Exactly one of
// TxnID and Revision is meaningful: a non-empty TxnID marks a transaction node.
type ID struct {
	NodeID   string
	CopyID   string
	TxnID    string
	Revision int64
}

// NewTxn returns the identity of a node in transaction txnID.
func NewTxn(nodeID, copyID, txnID string) ID {
	return ID{NodeID: nodeID, CopyID: copyID, TxnID: txnID, Revision: InvalidRevision}
}

// NewRevision returns the identity of a node committed in rev.
func NewRevision(nodeID, copyID string, rev int64) ID {
	return ID{NodeID: nodeID, CopyID: copyID, Revision: rev}
}

// IsTxn reports whether the identity belongs to a transaction.
func (i ID) IsTxn() bool {
	return i.TxnID != ""
}

// IsZero reports whether the identity is unset.
func (i ID) IsZero() bool {
	return i == ID{}
}

// SameLineage reports whether both identities name the same node on the same branch.
func (i ID) SameLineage(other ID) bool {
	return i.NodeID == other.NodeID && i.CopyID == other.CopyID
}

func (i ID) String() string {
	if i.IsTxn() {
		return fmt.Sprintf("%s.%s.t%s", i.NodeID, i.CopyID, i.TxnID)
	}
	return fmt.Sprintf("%s.%s.r%d", i.NodeID, i.CopyID, i.Revision)
}

// Parse parses the text form produced by String.
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || len(parts[2]) < 2 {
		return ID{}, fmt.Errorf("malformed node id %q", s)
	}

	origin := parts[2]
	switch origin[0] {
	case 't':
		return NewTxn(parts[0], parts[1], origin[1:]), nil
	case 'r':
		rev, err := strconv.ParseInt(origin[1:], 10, 64)
		if err != nil || rev < 0 {
			return ID{}, fmt.Errorf("malformed revision in node id %q", s)
		}
		return NewRevision(parts[0], parts[1], rev), nil
	default:
		return ID{}, fmt.Errorf("malformed origin in node id %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return []byte{}, nil
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*i = ID{}
		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Key formats a global node or copy counter.
func Key(n uint64) string {
	return strconv.FormatUint(n, 36)
}

// TxnKey formats a counter allocated inside a transaction.
func TxnKey(n uint64) string {
	return txnKeyPrefix + Key(n)
}

// IsTxnKey reports whether key was allocated inside a transaction.
func IsTxnKey(key string) bool {
	return strings.HasPrefix(key, txnKeyPrefix)
}

// ParseKey parses a node or copy key. The boolean reports whether the key is
// transaction-local.
func ParseKey(key string) (uint64, bool, error) {
	txnLocal := IsTxnKey(key)
	n, err := strconv.ParseUint(strings.TrimPrefix(key, txnKeyPrefix), 36, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return n, txnLocal, nil
}

// FinalKey maps a transaction-local key onto the global counter space starting at start.
// Global keys are returned unchanged.
func FinalKey(key string, start uint64) (string, error) {
	n, txnLocal, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	if !txnLocal {
		return key, nil
	}
	return Key(start + n), nil
}
