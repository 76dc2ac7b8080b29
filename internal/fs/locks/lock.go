// Package locks implements path locks. A lock is independent of the versioned tree: it
// names a path, the user owning it and a token the owner presents when committing changes
// below the path.
package locks

import (
	"time"

	"github.com/google/uuid"
)

const tokenPrefix = "opaquelocktoken:"

// Lock is a lock on a single path.
type Lock struct {
	Path    string    `json:"path"`
	Token   string    `json:"token"`
	Owner   string    `json:"owner"`
	Comment string    `json:"comment,omitempty"`
	Created time.Time `json:"created"`
	// Expires is the zero time for locks which never expire.
	Expires time.Time `json:"expires,omitempty"`
}

// Expired reports whether the lock has expired at now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

// NewToken generates a new lock token.
func NewToken() string {
	return tokenPrefix + uuid.New().String()
}

// Tokens is the set of lock tokens presented by a committer.
type Tokens map[string]struct{}

// NewTokens builds a token set.
func NewTokens(tokens ...string) Tokens {
	set := make(Tokens, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

// Has reports whether token is in the set.
func (t Tokens) Has(token string) bool {
	_, ok := t[token]
	return ok
}
