// Package revnode describes the versioned record a node identity resolves to.
package revnode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gitlab.com/gitlab-org/revfs/internal/fs/id"
)

// Kind is the type of a node.
type Kind int

const (
	// KindNone is the kind of an absent node.
	KindNone = Kind(iota)
	// KindFile is a file node.
	KindFile
	// KindDir is a directory node.
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = KindFile
	case "dir":
		*k = KindDir
	case "none", "":
		*k = KindNone
	default:
		return fmt.Errorf("unknown node kind %q", text)
	}
	return nil
}

// DirEntry is one entry of a directory.
type DirEntry struct {
	ID   id.ID `json:"id"`
	Kind Kind  `json:"kind"`
}

// TextRep locates the contents of a file inside a revision file. Contents written by a
// transaction live in its prototype revision file until the transaction is committed,
// during which Revision is id.InvalidRevision.
type TextRep struct {
	Revision int64  `json:"rev"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	SHA1     string `json:"sha1"`
}

// Node is a revision node. Nodes whose ID is a transaction identity are owned by that
// transaction; every other node is shared and must be treated as read-only.
type Node struct {
	ID               id.ID               `json:"id"`
	Kind             Kind                `json:"kind"`
	PredecessorID    *id.ID              `json:"pred,omitempty"`
	PredecessorCount int64               `json:"count"`
	CopyFromRevision int64               `json:"copyfrom_rev"`
	CopyFromPath     string              `json:"copyfrom_path,omitempty"`
	CopyRootRevision int64               `json:"copyroot_rev"`
	CopyRootPath     string              `json:"copyroot_path"`
	CreatedPath      string              `json:"cpath"`
	Properties       map[string][]byte   `json:"props,omitempty"`
	Entries          map[string]DirEntry `json:"entries,omitempty"`
	Text             *TextRep            `json:"text,omitempty"`
	HasMergeInfo     bool                `json:"minfo_here,omitempty"`
	MergeInfoCount   int64               `json:"minfo_count,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.Kind == KindDir
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	clone := *n

	if n.PredecessorID != nil {
		pred := *n.PredecessorID
		clone.PredecessorID = &pred
	}

	if n.Properties != nil {
		clone.Properties = make(map[string][]byte, len(n.Properties))
		for name, value := range n.Properties {
			clone.Properties[name] = append([]byte(nil), value...)
		}
	}

	if n.Entries != nil {
		clone.Entries = make(map[string]DirEntry, len(n.Entries))
		for name, entry := range n.Entries {
			clone.Entries[name] = entry
		}
	}

	if n.Text != nil {
		text := *n.Text
		clone.Text = &text
	}

	return &clone
}

// EntryNames returns the directory entry names in sorted order.
func (n *Node) EntryNames() []string {
	names := make([]string, 0, len(n.Entries))
	for name := range n.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the node as a single line of JSON without the trailing newline.
func Marshal(n *Node) ([]byte, error) {
	return json.Marshal(n)
}

// Unmarshal decodes a node encoded by Marshal.
func Unmarshal(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	return &n, nil
}

// PropertiesEqual reports whether both property maps hold the same values. A nil map
// equals an empty one.
func PropertiesEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for name, value := range a {
		other, ok := b[name]
		if !ok || !bytes.Equal(value, other) {
			return false
		}
	}
	return true
}
