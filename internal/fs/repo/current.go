package repo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

// Current is the content of the "current" pointer: the youngest revision and the next
// unused global node and copy numbers.
type Current struct {
	Youngest   int64
	NextNodeID uint64
	NextCopyID uint64
}

func (c Current) String() string {
	return fmt.Sprintf("%d %d %d\n", c.Youngest, c.NextNodeID, c.NextCopyID)
}

func parseCurrent(data string) (Current, error) {
	fields := strings.Fields(data)
	if len(fields) != 3 {
		return Current{}, fserr.Corruptf("malformed current file %q", data)
	}

	youngest, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || youngest < 0 {
		return Current{}, fserr.Corruptf("malformed youngest revision %q", fields[0])
	}

	nextNode, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Current{}, fserr.Corruptf("malformed next node id %q", fields[1])
	}

	nextCopy, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Current{}, fserr.Corruptf("malformed next copy id %q", fields[2])
	}

	return Current{Youngest: youngest, NextNodeID: nextNode, NextCopyID: nextCopy}, nil
}

// ReadCurrent reads the current pointer.
func (r *Repository) ReadCurrent() (Current, error) {
	data, err := os.ReadFile(r.currentPath())
	if err != nil {
		return Current{}, fserr.IO("read current", err)
	}
	return parseCurrent(string(data))
}

// WriteCurrent atomically replaces the current pointer. Callers must hold the write lock.
// A writer interrupted before the replacement leaves the old pointer in place.
func (r *Repository) WriteCurrent(current Current) error {
	return fserr.IO("write current", safe.WriteFile(r.currentPath(), []byte(current.String()), 0o644))
}
