package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

// Recover re-derives the current pointer from the revision files. A commit which crashed
// after publishing its revision file but before updating the pointer is thereby completed;
// revision files which cannot be part of the history are removed. Recover is idempotent
// and returns the youngest revision.
func (r *Repository) Recover(ctx context.Context) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "repo.Recover")
	defer span.Finish()

	logger := log.FromContext(ctx, "repo")

	var youngest int64
	if err := r.WithWriteLock(ctx, func() error {
		var maxNode, maxCopy uint64

		// Revision files are only ever published by rename, so a revision without a
		// readable trailer cannot have been published.
		rev := int64(0)
		for ; ; rev++ {
			index, err := loadRevisionIndex(r.RevisionPath(rev), rev)
			if err != nil {
				if errors.Is(err, fserr.ErrNoSuchRevision) || errors.Is(err, fserr.ErrCorrupt) {
					break
				}
				return err
			}

			for nodeID := range index.nodes {
				nodeKey, nodeLocal, nodeErr := id.ParseKey(nodeID.NodeID)
				copyKey, copyLocal, copyErr := id.ParseKey(nodeID.CopyID)
				if nodeErr != nil || copyErr != nil || nodeLocal || copyLocal {
					return fserr.Corruptf("revision %d has malformed node id %s", rev, nodeID)
				}
				if nodeKey > maxNode {
					maxNode = nodeKey
				}
				if copyKey > maxCopy {
					maxCopy = copyKey
				}
			}

			r.cache.Add(rev, index)
		}

		if rev == 0 {
			return fserr.Corruptf("repository has no revision 0")
		}
		youngest = rev - 1

		if err := r.removeResidue(youngest, logger); err != nil {
			return err
		}
		if err := r.removePointerResidue(logger); err != nil {
			return err
		}

		for rev := int64(0); rev <= youngest; rev++ {
			if _, err := os.Stat(r.RevisionPropertiesPath(rev)); err == nil {
				continue
			} else if !errors.Is(err, os.ErrNotExist) {
				return fserr.IO("stat revision properties", err)
			}

			logger.WithField("revision", rev).Warn("recreating missing revision properties")
			if err := r.WriteRevisionProperties(rev, map[string][]byte{
				DateProperty: []byte(FormatDate(r.now())),
			}); err != nil {
				return err
			}
		}

		current := Current{Youngest: youngest, NextNodeID: maxNode + 1, NextCopyID: maxCopy + 1}
		previous, err := r.ReadCurrent()
		if err == nil {
			// Counters may run ahead of the highest key in use; they never move back.
			if previous.NextNodeID > current.NextNodeID {
				current.NextNodeID = previous.NextNodeID
			}
			if previous.NextCopyID > current.NextCopyID {
				current.NextCopyID = previous.NextCopyID
			}
			if previous == current {
				return nil
			}
		}

		logger.WithFields(logrus.Fields{
			"youngest":     current.Youngest,
			"next_node_id": current.NextNodeID,
			"next_copy_id": current.NextCopyID,
		}).Info("rewriting current pointer")

		return r.WriteCurrent(current)
	}); err != nil {
		return 0, err
	}

	return youngest, nil
}

// removeResidue removes revision files above youngest as well as stray files such as
// prototypes of an interrupted repository creation.
func (r *Repository) removeResidue(youngest int64, logger logrus.FieldLogger) error {
	entries, err := os.ReadDir(r.revsDir())
	if err != nil {
		return fserr.IO("list revisions", err)
	}

	for _, entry := range entries {
		rev, parseErr := strconv.ParseInt(entry.Name(), 10, 64)
		if parseErr == nil && rev <= youngest {
			continue
		}

		logger.WithField("file", entry.Name()).Warn("removing unpublished revision file")
		if err := os.Remove(filepath.Join(r.revsDir(), entry.Name())); err != nil {
			return fserr.IO("remove revision residue", err)
		}
		if parseErr == nil {
			r.cache.Remove(rev)
		}
	}

	return nil
}

// removePointerResidue removes temporary files of interrupted pointer updates.
func (r *Repository) removePointerResidue(logger logrus.FieldLogger) error {
	residue, err := filepath.Glob(r.currentPath() + ".*")
	if err != nil {
		return fserr.IO("list pointer residue", err)
	}

	for _, path := range residue {
		logger.WithField("file", filepath.Base(path)).Warn("removing current pointer residue")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fserr.IO("remove pointer residue", err)
		}
	}

	return nil
}
