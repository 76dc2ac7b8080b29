// Package fspath handles absolute repository paths. Repository paths always start with a
// slash, never end with one (except for the root itself) and never contain empty, "." or
// ".." components once canonicalized.
package fspath

import (
	"strings"
	"unicode"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
)

// Root is the path of the tree root.
const Root = "/"

// Canonicalize returns the canonical absolute form of p: a leading slash is added, runs
// of slashes are collapsed, "." components and any trailing slash are removed.
func Canonicalize(p string) string {
	if p == "" || p == Root {
		return Root
	}

	var b strings.Builder
	for _, component := range strings.Split(p, "/") {
		if component == "" || component == "." {
			continue
		}
		b.WriteByte('/')
		b.WriteString(component)
	}

	if b.Len() == 0 {
		return Root
	}
	return b.String()
}

// Join appends a single entry name to a canonical parent path.
func Join(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == Root || parent == "" {
		return Root + name
	}
	return parent + "/" + name
}

// Dir returns the parent of a canonical path. The parent of the root is the root.
func Dir(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return Root
	}
	return p[:idx]
}

// Base returns the last component of a canonical path, or "" for the root.
func Base(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Components splits a canonical path into its entry names. The root has none.
func Components(p string) []string {
	if p == Root {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// IsSinglePathComponent reports whether name can be used as a directory entry name.
func IsSinglePathComponent(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}

// Validate checks that p is usable as a node path: it must not contain control
// characters.
func Validate(p string) error {
	for _, r := range p {
		if unicode.IsControl(r) {
			return fserr.NewPathError("validate path", p, fserr.ErrIllegalName)
		}
	}
	return nil
}

// IsAncestor reports whether descendant lies strictly below ancestor.
func IsAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	if ancestor == Root {
		return strings.HasPrefix(descendant, Root)
	}
	return strings.HasPrefix(descendant, ancestor) && descendant[len(ancestor)] == '/'
}

// Compare orders canonical paths such that the separator sorts before every other byte.
// Under this order every directory is immediately followed by its whole subtree, so
// "/a", "/a/b", "/a-b" sort in that order while plain byte order yields "/a", "/a-b",
// "/a/b".
func Compare(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		switch {
		case a[i] == '/':
			return -1
		case b[i] == '/':
			return 1
		case a[i] < b[i]:
			return -1
		default:
			return 1
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
