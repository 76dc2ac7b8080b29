package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
)

// edit is one line of the edit script read by the commit subcommand.
type edit struct {
	Op       string  `json:"op"`
	Path     string  `json:"path"`
	Content  *string `json:"content,omitempty"`
	FromPath string  `json:"from_path,omitempty"`
	FromRev  *int64  `json:"from_rev,omitempty"`
	Name     string  `json:"name,omitempty"`
	Value    *string `json:"value,omitempty"`
}

type commitSubcommand struct {
	*admin
	repository string
	user       string
	message    string
	base       int64
	tokens     listFlag
	noHooks    bool
}

func (cmd *commitSubcommand) Flags(fs *flag.FlagSet) {
	repositoryFlag(fs, &cmd.repository)
	fs.StringVar(&cmd.user, "user", "", "user the commit is made by")
	fs.StringVar(&cmd.message, "m", "", "log message")
	fs.Int64Var(&cmd.base, "base", -1, "revision to base the transaction on, the youngest revision by default")
	fs.Var(&cmd.tokens, "token", "lock token held by the user, may be repeated")
	fs.BoolVar(&cmd.noHooks, "no-hooks", false, "do not run the pre-commit and post-commit hooks")
}

func (cmd *commitSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	r, err := cmd.openRepository(cmd.repository)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	props := map[string][]byte{}
	if cmd.message != "" {
		props[repo.LogProperty] = []byte(cmd.message)
	}

	committer, err := cmd.beginCommit(ctx, r, cmd.base, cmd.user, locks.NewTokens(cmd.tokens...), props)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	txnLog := log.WithField("transaction", committer.Transaction().ID())

	if err := applyEdits(ctx, r, committer, stdin); err != nil {
		txnLog.WithError(err).Error("edit failed, aborting transaction")
		if abortErr := commit.AbortTransaction(ctx, r, committer.Transaction().ID()); abortErr != nil {
			txnLog.WithError(abortErr).Warn("abort transaction failed")
		}
		return fmt.Errorf("commit: %w", err)
	}

	result, err := committer.Commit(ctx, commit.CommitOptions{
		RunPreCommitHook:  !cmd.noHooks,
		RunPostCommitHook: !cmd.noHooks,
	})
	if err != nil {
		if result.Outcome == commit.Conflict {
			return fmt.Errorf("commit: conflict at %q, transaction %s kept: %w",
				result.ConflictPath, committer.Transaction().ID(), err)
		}
		return fmt.Errorf("commit: %s: %w", result.Outcome, err)
	}

	if result.PostCommitErr != nil {
		txnLog.WithError(result.PostCommitErr).Warn("post-commit hook failed")
	}

	fmt.Fprintf(stdout, "committed revision %d\n", result.Revision)
	return nil
}

func applyEdits(ctx context.Context, r *repo.Repository, committer *commit.Committer, stdin io.Reader) error {
	decoder := json.NewDecoder(stdin)
	for {
		var e edit
		if err := decoder.Decode(&e); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("decode edit: %w", err)
		}

		if err := applyEdit(ctx, r, committer, e); err != nil {
			return fmt.Errorf("%s %q: %w", e.Op, e.Path, err)
		}
	}
}

func applyEdit(ctx context.Context, r *repo.Repository, committer *commit.Committer, e edit) error {
	switch e.Op {
	case "mkdir":
		return committer.MakeDirectory(ctx, e.Path)
	case "put":
		if _, err := committer.Transaction().NodeAt(ctx, e.Path); err != nil {
			if err := committer.MakeFile(ctx, e.Path); err != nil {
				return err
			}
		}
		var content []byte
		if e.Content != nil {
			content = []byte(*e.Content)
		}
		return committer.SetFileContents(ctx, e.Path, content)
	case "rm":
		return committer.DeleteNode(ctx, e.Path)
	case "cp":
		fromRev := committer.Transaction().BaseRevision()
		if e.FromRev != nil {
			fromRev = *e.FromRev
		}
		from, err := r.Revision(ctx, fromRev)
		if err != nil {
			return err
		}
		return committer.MakeCopy(ctx, from, e.FromPath, e.Path, true)
	case "propset":
		var value []byte
		if e.Value != nil {
			value = []byte(*e.Value)
		}
		return committer.ChangeNodeProperty(ctx, e.Path, e.Name, value)
	default:
		return fmt.Errorf("unknown operation %q", e.Op)
	}
}
