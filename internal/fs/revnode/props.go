package revnode

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
)

const (
	// PropertyPrefix is the namespace of properties interpreted by the repository.
	PropertyPrefix = "revfs:"
	// MergeInfoProperty records merge history. Its presence is tracked by the merge-info
	// aggregate count of every ancestor directory.
	MergeInfoProperty = PropertyPrefix + "mergeinfo"

	entryPropertyPrefix = PropertyPrefix + "entry:"
	wcPropertyPrefix    = PropertyPrefix + "wc:"
)

// ValidateProperty checks a node property before it is stored. A nil value removes the
// property and is only subject to the name rules.
func ValidateProperty(name string, value []byte) error {
	if !isValidPropertyName(name) {
		return fserr.NewPathError("validate property", name, fserr.ErrIllegalName)
	}

	if strings.HasPrefix(name, entryPropertyPrefix) || strings.HasPrefix(name, wcPropertyPrefix) {
		return fserr.NewPathError("store non-regular property", name, fserr.ErrIllegalName)
	}

	if value != nil && strings.HasPrefix(name, PropertyPrefix) {
		if !utf8.Valid(value) {
			return fserr.NewPathError("validate property", name, fserr.ErrBadProperty)
		}
		if bytes.IndexByte(value, '\r') >= 0 {
			return fserr.NewPathError("validate property", name, fserr.ErrBadProperty)
		}
	}

	return nil
}

func isValidPropertyName(name string) bool {
	if name == "" {
		return false
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return false
		}
	}

	return true
}
