package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
)

type createSubcommand struct {
	*admin
	repository string
}

func (cmd *createSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
}

func (cmd *createSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	path, err := cmd.repositoryPath(cmd.repository)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	r, err := repo.Create(ctx, path, cmd.repositoryOptions()...)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	fmt.Fprintf(stdout, "created repository %s\n", r.Path())
	return nil
}

type youngestSubcommand struct {
	*admin
	repository string
}

func (cmd *youngestSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
}

func (cmd *youngestSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("youngest: %w", err)
	}

	youngest, err := r.Youngest(ctx)
	if err != nil {
		return fmt.Errorf("youngest: %w", err)
	}

	fmt.Fprintln(stdout, youngest)
	return nil
}

type recoverSubcommand struct {
	*admin
	repository string
}

func (cmd *recoverSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
}

func (cmd *recoverSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	youngest, err := r.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	fmt.Fprintf(stdout, "recovered repository at revision %d\n", youngest)
	return nil
}
