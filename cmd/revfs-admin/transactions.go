package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/tempdir"
	"golang.org/x/sync/errgroup"
)

type lstxnsSubcommand struct {
	*admin
	repository string
}

func (cmd *lstxnsSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
}

func (cmd *lstxnsSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("lstxns: %w", err)
	}

	infos, err := r.Transactions()
	if err != nil {
		return fmt.Errorf("lstxns: %w", err)
	}

	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Transaction", "Base Revision", "Modified"})
	for _, info := range infos {
		table.Append([]string{
			info.ID,
			strconv.FormatInt(info.BaseRevision, 10),
			info.Modified.UTC().Format(time.RFC3339),
		})
	}
	table.Render()

	return nil
}

type rmtxnsSubcommand struct {
	*admin
	fs         *flag.FlagSet
	repository string
}

func (cmd *rmtxnsSubcommand) Flags(fs *flag.FlagSet) {
	cmd.fs = fs
	repositoryFlag(fs, &cmd.repository)
}

func (cmd *rmtxnsSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if cmd.fs.NArg() == 0 {
		return fmt.Errorf("%s: expected transaction IDs", cmd.fs.Name())
	}

	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("rmtxns: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, txnID := range cmd.fs.Args() {
		txnID := txnID
		g.Go(func() error {
			return commit.AbortTransaction(ctx, r, txnID)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("rmtxns: %w", err)
	}

	for _, txnID := range cmd.fs.Args() {
		fmt.Fprintf(stdout, "removed transaction %s\n", txnID)
	}
	return nil
}

type cleanSubcommand struct {
	*admin
	repository string
	maxAge     time.Duration
}

func (cmd *cleanSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
	fs.DurationVar(&cmd.maxAge, "max-age", 0, "age after which a transaction is stale, transactions.max_age by default")
}

func (cmd *cleanSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	maxAge := cmd.maxAge
	if maxAge == 0 {
		maxAge = cmd.cfg.Transactions.MaxAge.Duration()
	}
	if maxAge == 0 {
		maxAge = tempdir.MaxAge
	}

	removed, err := tempdir.Clean(ctx, r, maxAge)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	for _, txnID := range removed {
		fmt.Fprintf(stdout, "removed transaction %s\n", txnID)
	}
	return nil
}
