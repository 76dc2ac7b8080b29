package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/revfs/internal/config"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/hook"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/txn"
	revfslog "gitlab.com/gitlab-org/revfs/internal/log"
)

var errNoRepository = errors.New("no repository given")

// admin holds the state shared by all subcommands.
type admin struct {
	cfg           config.Cfg
	commitMetrics *commit.Metrics
	cacheMetrics  *repo.CacheMetrics
	registerer    prometheus.Registerer
}

// repositoryPath resolves a repository given either by its configured name or by path.
func (a *admin) repositoryPath(nameOrPath string) (string, error) {
	if nameOrPath == "" {
		return "", errNoRepository
	}
	if configured, ok := a.cfg.Repository(nameOrPath); ok {
		return configured.Path, nil
	}
	return nameOrPath, nil
}

func (a *admin) repositoryOptions() []repo.Option {
	opts := []repo.Option{
		repo.WithLogger(revfslog.Default()),
		repo.WithCacheMetrics(a.cacheMetrics),
	}
	if a.cfg.Cache.Revisions > 0 {
		opts = append(opts, repo.WithCacheSize(a.cfg.Cache.Revisions))
	}
	return opts
}

func (a *admin) openRepository(nameOrPath string) (*repo.Repository, error) {
	path, err := a.repositoryPath(nameOrPath)
	if err != nil {
		return nil, err
	}
	return repo.Open(path, a.repositoryOptions()...)
}

// beginCommit starts a transaction on base, or on the youngest revision if base is
// negative, and returns a committer running the repository's hooks.
func (a *admin) beginCommit(ctx context.Context, r *repo.Repository, base int64, author string, tokens locks.Tokens, props map[string][]byte) (*commit.Committer, error) {
	if base < 0 {
		youngest, err := r.Youngest(ctx)
		if err != nil {
			return nil, err
		}
		base = youngest
	}

	var opts []txn.Option
	if a.cfg.Transactions.CheckLocks {
		opts = append(opts, txn.WithCheckLocks())
	}
	for name, value := range props {
		opts = append(opts, txn.WithProperty(name, value))
	}

	transaction, err := txn.Begin(ctx, r, base, opts...)
	if err != nil {
		return nil, err
	}

	return commit.New(r, transaction, author, tokens,
		commit.WithHooks(hook.NewManager(r, hook.WithDisabled(a.cfg.Hooks.Disabled))),
		commit.WithMetrics(a.commitMetrics),
	), nil
}

// repositoryFlag registers the flag naming the repository a subcommand works on.
func repositoryFlag(fs *flag.FlagSet, value *string) {
	fs.StringVar(value, "r", "", "repository name or path")
}

// listFlag collects a comma separated or repeated flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

func requireArgs(fs *flag.FlagSet, n int, usage string) error {
	if fs.NArg() != n {
		return fmt.Errorf("%s: expected %s", fs.Name(), usage)
	}
	return nil
}
