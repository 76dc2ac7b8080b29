// Package changes records the paths touched by a transaction. The change log is an
// append-only file of JSON lines; Fold collapses it into at most one change per path.
package changes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// Kind is the kind of change applied to a path.
type Kind int

const (
	// Add means the path did not exist before.
	Add = Kind(iota)
	// Delete means the path was removed.
	Delete
	// Modify means the text or the properties of the node changed.
	Modify
	// Replace means the path was deleted and added again.
	Replace
)

var kindNames = map[Kind]string{
	Add:     "add",
	Delete:  "delete",
	Modify:  "modify",
	Replace: "replace",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown change kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", text)
}

// PathChange describes one change to one path.
type PathChange struct {
	Path             string       `json:"path"`
	NodeID           id.ID        `json:"id"`
	Kind             Kind         `json:"kind"`
	NodeKind         revnode.Kind `json:"node_kind"`
	TextModified     bool         `json:"text_mod,omitempty"`
	PropsModified    bool         `json:"props_mod,omitempty"`
	CopyFromRevision int64        `json:"copyfrom_rev"`
	CopyFromPath     string       `json:"copyfrom_path,omitempty"`
}

// Append writes change to the end of the change log at path, creating it if needed.
func Append(path string, change PathChange) error {
	line, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fserr.IO("open change log", err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fserr.IO("append change", err)
	}

	return fserr.IO("close change log", f.Close())
}

// Read decodes a stream of change lines. Reading stops at an empty line, which allows a
// change list to be embedded in a larger file.
func Read(r io.Reader) ([]PathChange, error) {
	var result []PathChange

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			break
		}

		var change PathChange
		if err := json.Unmarshal(line, &change); err != nil {
			return nil, fserr.Corruptf("malformed change line: %v", err)
		}
		result = append(result, change)
	}

	if err := scanner.Err(); err != nil {
		return nil, fserr.IO("read changes", err)
	}

	return result, nil
}

// ReadFile reads the change log at path. A missing log holds no changes.
func ReadFile(path string) ([]PathChange, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fserr.IO("open change log", err)
	}
	defer f.Close()

	return Read(f)
}

// Write encodes changes as change lines.
func Write(w io.Writer, list []PathChange) error {
	encoder := json.NewEncoder(w)
	for _, change := range list {
		if err := encoder.Encode(change); err != nil {
			return fmt.Errorf("encoding change %q: %w", change.Path, err)
		}
	}
	return nil
}

// Fold collapses the ordered change log into the net change per path and returns the
// result sorted with fspath.Compare. Folding follows these rules:
//
//   - a delete after an add removes the path from the result;
//   - an add or replace after a delete turns into a replace, a replace after an add
//     stays an add;
//   - a delete or replace discards earlier changes of every descendant;
//   - an add on a path that was not deleted first, or any other change on a deleted
//     path, means the log is corrupt.
func Fold(log []PathChange) ([]PathChange, error) {
	folded := make(map[string]*PathChange, len(log))

	for _, change := range log {
		change := change

		if old, ok := folded[change.Path]; ok {
			if old.Kind == Delete && change.Kind != Add && change.Kind != Replace {
				return nil, fserr.Corruptf("invalid change ordering: %s on deleted path %q", change.Kind, change.Path)
			}
			if old.Kind != Delete && change.Kind == Add {
				return nil, fserr.Corruptf("invalid change ordering: add on preexisting path %q", change.Path)
			}

			switch change.Kind {
			case Delete:
				if old.Kind == Add {
					delete(folded, change.Path)
				} else {
					old.Kind = Delete
					old.NodeID = change.NodeID
					old.TextModified = false
					old.PropsModified = false
					old.CopyFromRevision = id.InvalidRevision
					old.CopyFromPath = ""
				}
			case Add, Replace:
				// A path added earlier in the same log did not exist before.
				if old.Kind != Add {
					old.Kind = Replace
				}
				old.NodeID = change.NodeID
				old.NodeKind = change.NodeKind
				old.TextModified = change.TextModified
				old.PropsModified = change.PropsModified
				old.CopyFromRevision = change.CopyFromRevision
				old.CopyFromPath = change.CopyFromPath
			default:
				old.NodeID = change.NodeID
				if change.NodeKind != revnode.KindNone {
					old.NodeKind = change.NodeKind
				}
				old.TextModified = old.TextModified || change.TextModified
				old.PropsModified = old.PropsModified || change.PropsModified
			}
		} else {
			folded[change.Path] = &change
		}

		if change.Kind == Delete || change.Kind == Replace {
			for path := range folded {
				if fspath.IsAncestor(change.Path, path) {
					delete(folded, path)
				}
			}
		}
	}

	result := make([]PathChange, 0, len(folded))
	for _, change := range folded {
		result = append(result, *change)
	}
	sort.Slice(result, func(i, j int) bool {
		return fspath.Compare(result[i].Path, result[j].Path) < 0
	})

	return result, nil
}

// Paths returns the paths of changes in order.
func Paths(list []PathChange) []string {
	paths := make([]string, 0, len(list))
	for _, change := range list {
		paths = append(paths, change.Path)
	}
	return paths
}
