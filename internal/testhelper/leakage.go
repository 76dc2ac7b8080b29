package testhelper

import (
	"go.uber.org/goleak"
)

// mustHaveNoGoroutines panics if it finds any Goroutines which are still running after the
// test suite has finished.
func mustHaveNoGoroutines() {
	if err := goleak.Find(); err != nil {
		panic(err)
	}
}
