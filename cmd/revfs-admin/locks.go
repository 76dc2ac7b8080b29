package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"
)

type lockSubcommand struct {
	*admin
	fs         *flag.FlagSet
	repository string
	user       string
	comment    string
	expiresIn  time.Duration
}

func (cmd *lockSubcommand) Flags(fs *flag.FlagSet) {
	cmd.fs = fs
	repositoryFlag(fs, &cmd.repository)
	fs.StringVar(&cmd.user, "user", "", "owner of the lock")
	fs.StringVar(&cmd.comment, "comment", "", "lock comment")
	fs.DurationVar(&cmd.expiresIn, "expires-in", 0, "lifetime of the lock, forever by default")
}

func (cmd *lockSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := requireArgs(cmd.fs, 1, "a single path"); err != nil {
		return err
	}

	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	var expires time.Time
	if cmd.expiresIn > 0 {
		expires = r.Now().Add(cmd.expiresIn)
	}

	lock, err := r.LockPath(ctx, cmd.fs.Arg(0), cmd.user, cmd.comment, expires)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	fmt.Fprintln(stdout, lock.Token)
	return nil
}

type unlockSubcommand struct {
	*admin
	fs         *flag.FlagSet
	repository string
	user       string
	token      string
	force      bool
}

func (cmd *unlockSubcommand) Flags(fs *flag.FlagSet) {
	cmd.fs = fs
	repositoryFlag(fs, &cmd.repository)
	fs.StringVar(&cmd.user, "user", "", "user releasing the lock")
	fs.StringVar(&cmd.token, "token", "", "token of the lock")
	fs.BoolVar(&cmd.force, "force", false, "break the lock regardless of owner and token")
}

func (cmd *unlockSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := requireArgs(cmd.fs, 1, "a single path"); err != nil {
		return err
	}

	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	if err := r.UnlockPath(ctx, cmd.fs.Arg(0), cmd.token, cmd.user, cmd.force); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	fmt.Fprintf(stdout, "unlocked %s\n", cmd.fs.Arg(0))
	return nil
}
