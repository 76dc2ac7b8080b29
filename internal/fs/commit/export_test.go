package commit

import "context"

// WithBeforeFinalize sets a function run between the merge and the finalization of each
// commit attempt.
func WithBeforeFinalize(fn func(context.Context)) Option {
	return func(c *Committer) {
		c.beforeFinalize = fn
	}
}
