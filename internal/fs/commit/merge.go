package commit

import (
	"context"
	"sort"

	"github.com/opentracing/opentracing-go"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/fspath"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// mergeWith merges the changes between the transaction's base and the revision source
// into the transaction tree and rebases the transaction onto source.
func (c *Committer) mergeWith(ctx context.Context, source *repo.Revision) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "commit.merge")
	span.SetTag("revision", source.Number())
	defer span.Finish()

	base, err := c.txn.Base(ctx)
	if err != nil {
		return err
	}

	ancestor, err := base.Root(ctx)
	if err != nil {
		return err
	}
	sourceRoot, err := source.Root(ctx)
	if err != nil {
		return err
	}
	target, err := c.txn.Root(ctx)
	if err != nil {
		return err
	}

	// Conflicts are found before the first entry is adopted so that a conflicting
	// transaction keeps its tree as it was.
	if err := c.checkMerge(ctx, fspath.Root, target, sourceRoot, ancestor); err != nil {
		return err
	}

	if _, err := c.merge(ctx, fspath.Root, target, sourceRoot, ancestor); err != nil {
		return err
	}

	c.txn.ClearCache()

	return c.txn.Rebase(source)
}

// merge folds the changes between ancestor and source into the mutable directory target,
// which holds the changes between ancestor and the transaction. It returns the change of
// the merge-info count below target.
func (c *Committer) merge(ctx context.Context, targetPath string, target, source, ancestor *revnode.Node) (int64, error) {
	if done, err := checkNodes(targetPath, target, source, ancestor); err != nil || done {
		return 0, err
	}

	var mergeInfoDelta int64

	for _, name := range ancestor.EntryNames() {
		ancestorEntry := ancestor.Entries[name]
		sourceEntry, inSource := source.Entries[name]
		targetEntry, inTarget := target.Entries[name]
		entryPath := fspath.Join(targetPath, name)

		if inSource && sourceEntry.ID == ancestorEntry.ID {
			continue
		}

		// The entry changed in source only.
		if inTarget && targetEntry.ID == ancestorEntry.ID {
			targetNode, err := c.txn.Node(ctx, targetEntry.ID)
			if err != nil {
				return 0, err
			}
			mergeInfoDelta -= targetNode.MergeInfoCount

			if inSource {
				sourceNode, err := c.repo.Node(ctx, sourceEntry.ID)
				if err != nil {
					return 0, err
				}
				mergeInfoDelta += sourceNode.MergeInfoCount

				if err := c.txn.SetEntry(target, name, sourceEntry); err != nil {
					return 0, err
				}
			} else if err := c.txn.DeleteEntry(target, name); err != nil {
				return 0, err
			}

			continue
		}

		if err := checkEntries(entryPath, targetEntry, inTarget, sourceEntry, inSource, ancestorEntry); err != nil {
			return 0, err
		}

		targetNode, sourceNode, ancestorNode, err := c.entryNodes(ctx, targetEntry, sourceEntry, ancestorEntry)
		if err != nil {
			return 0, err
		}

		delta, err := c.merge(ctx, entryPath, targetNode, sourceNode, ancestorNode)
		if err != nil {
			return 0, err
		}
		mergeInfoDelta += delta
	}

	// Entries added in source.
	added := make([]string, 0, len(source.Entries))
	for name := range source.Entries {
		if _, ok := ancestor.Entries[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)

	for _, name := range added {
		sourceEntry := source.Entries[name]

		if targetEntry, ok := target.Entries[name]; ok {
			if targetEntry.ID != sourceEntry.ID {
				return 0, &fserr.ConflictError{Path: fspath.Join(targetPath, name)}
			}
			continue
		}

		sourceNode, err := c.repo.Node(ctx, sourceEntry.ID)
		if err != nil {
			return 0, err
		}
		mergeInfoDelta += sourceNode.MergeInfoCount

		if err := c.txn.SetEntry(target, name, sourceEntry); err != nil {
			return 0, err
		}
	}

	if err := c.txn.UpdateAncestry(target, source); err != nil {
		return 0, err
	}
	if err := c.txn.IncrementMergeInfoCount(target, mergeInfoDelta); err != nil {
		return 0, err
	}

	return mergeInfoDelta, nil
}

// checkMerge walks the trees like merge without modifying the transaction and returns the
// first conflict merge would run into.
func (c *Committer) checkMerge(ctx context.Context, targetPath string, target, source, ancestor *revnode.Node) error {
	if done, err := checkNodes(targetPath, target, source, ancestor); err != nil || done {
		return err
	}

	for _, name := range ancestor.EntryNames() {
		ancestorEntry := ancestor.Entries[name]
		sourceEntry, inSource := source.Entries[name]
		targetEntry, inTarget := target.Entries[name]
		entryPath := fspath.Join(targetPath, name)

		if inSource && sourceEntry.ID == ancestorEntry.ID {
			continue
		}
		if inTarget && targetEntry.ID == ancestorEntry.ID {
			continue
		}

		if err := checkEntries(entryPath, targetEntry, inTarget, sourceEntry, inSource, ancestorEntry); err != nil {
			return err
		}

		targetNode, sourceNode, ancestorNode, err := c.entryNodes(ctx, targetEntry, sourceEntry, ancestorEntry)
		if err != nil {
			return err
		}

		if err := c.checkMerge(ctx, entryPath, targetNode, sourceNode, ancestorNode); err != nil {
			return err
		}
	}

	added := make([]string, 0, len(source.Entries))
	for name := range source.Entries {
		if _, ok := ancestor.Entries[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)

	for _, name := range added {
		if targetEntry, ok := target.Entries[name]; ok && targetEntry.ID != source.Entries[name].ID {
			return &fserr.ConflictError{Path: fspath.Join(targetPath, name)}
		}
	}

	return nil
}

// checkNodes reports whether the directories target, source and ancestor can be merged.
// done is set when there is nothing to merge.
func checkNodes(targetPath string, target, source, ancestor *revnode.Node) (done bool, err error) {
	if target.ID == ancestor.ID {
		return false, fserr.Corruptf("bad merge: target %q has id %s, same as ancestor", targetPath, target.ID)
	}

	// Nothing happened in source, or target already contains source's changes.
	if source.ID == ancestor.ID || source.ID == target.ID {
		return true, nil
	}

	if !target.IsDir() || !source.IsDir() || !ancestor.IsDir() {
		return false, &fserr.ConflictError{Path: targetPath}
	}

	if !revnode.PropertiesEqual(target.Properties, ancestor.Properties) ||
		!revnode.PropertiesEqual(source.Properties, ancestor.Properties) {
		return false, &fserr.ConflictError{Path: targetPath}
	}

	return false, nil
}

// checkEntries checks an entry which changed on both sides. Only directories modified in
// place on both sides can be merged.
func checkEntries(entryPath string, targetEntry revnode.DirEntry, inTarget bool, sourceEntry revnode.DirEntry, inSource bool, ancestorEntry revnode.DirEntry) error {
	if !inSource || !inTarget {
		return &fserr.ConflictError{Path: entryPath}
	}
	if sourceEntry.Kind == revnode.KindFile || targetEntry.Kind == revnode.KindFile || ancestorEntry.Kind == revnode.KindFile {
		return &fserr.ConflictError{Path: entryPath}
	}
	if !sourceEntry.ID.SameLineage(ancestorEntry.ID) || !targetEntry.ID.SameLineage(ancestorEntry.ID) {
		return &fserr.ConflictError{Path: entryPath}
	}
	return nil
}

func (c *Committer) entryNodes(ctx context.Context, targetEntry, sourceEntry, ancestorEntry revnode.DirEntry) (target, source, ancestor *revnode.Node, err error) {
	if target, err = c.txn.Node(ctx, targetEntry.ID); err != nil {
		return nil, nil, nil, err
	}
	if source, err = c.repo.Node(ctx, sourceEntry.ID); err != nil {
		return nil, nil, nil, err
	}
	if ancestor, err = c.repo.Node(ctx, ancestorEntry.ID); err != nil {
		return nil, nil, nil, err
	}
	return target, source, ancestor, nil
}
