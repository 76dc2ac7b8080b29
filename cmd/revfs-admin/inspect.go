package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
)

type catSubcommand struct {
	*admin
	fs         *flag.FlagSet
	repository string
	revision   int64
}

func (cmd *catSubcommand) Flags(fs *flag.FlagSet) {
	cmd.fs = fs
	repositoryFlag(fs, &cmd.repository)
	fs.Int64Var(&cmd.revision, "rev", -1, "revision to read from, the youngest revision by default")
}

func (cmd *catSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := requireArgs(cmd.fs, 1, "a single path"); err != nil {
		return err
	}

	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("cat: %w", err)
	}

	revision, err := revisionOrYoungest(ctx, r, cmd.revision)
	if err != nil {
		return fmt.Errorf("cat: %w", err)
	}

	data, err := revision.FileContents(ctx, cmd.fs.Arg(0))
	if err != nil {
		return fmt.Errorf("cat: %w", err)
	}

	_, err = stdout.Write(data)
	return err
}

type logSubcommand struct {
	*admin
	repository string
	revision   int64
}

func (cmd *logSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
	fs.Int64Var(&cmd.revision, "rev", -1, "revision to describe, the youngest revision by default")
}

func (cmd *logSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	revision, err := revisionOrYoungest(ctx, r, cmd.revision)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	props, err := revision.Properties()
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	changed, err := revision.ChangedPaths(ctx)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	fmt.Fprintf(stdout, "revision %d\n", revision.Number())

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	propTable := tablewriter.NewWriter(stdout)
	propTable.SetHeader([]string{"Property", "Value"})
	for _, name := range names {
		propTable.Append([]string{name, string(props[name])})
	}
	propTable.Render()

	changeTable := tablewriter.NewWriter(stdout)
	changeTable.SetHeader([]string{"Path", "Change", "Kind", "Node", "Copied From"})
	for _, change := range changed {
		var copyFrom string
		if change.CopyFromPath != "" {
			copyFrom = change.CopyFromPath + "@" + strconv.FormatInt(change.CopyFromRevision, 10)
		}
		changeTable.Append([]string{
			change.Path,
			change.Kind.String(),
			change.NodeKind.String(),
			change.NodeID.String(),
			copyFrom,
		})
	}
	changeTable.Render()

	return nil
}

func revisionOrYoungest(ctx context.Context, r *repo.Repository, rev int64) (*repo.Revision, error) {
	if rev < 0 {
		youngest, err := r.Youngest(ctx)
		if err != nil {
			return nil, err
		}
		rev = youngest
	}
	return r.Revision(ctx, rev)
}
