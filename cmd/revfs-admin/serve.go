package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/config"
	"gitlab.com/gitlab-org/revfs/internal/tempdir"
)

var errNoRepositories = errors.New("no repositories configured")

// serveSubcommand runs the transaction cleaner over all configured repositories and
// exposes metrics until it is interrupted.
type serveSubcommand struct {
	*admin
}

func (cmd *serveSubcommand) Flags(fs *flag.FlagSet) {}

func (cmd *serveSubcommand) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if len(cmd.cfg.Repositories) == 0 {
		return fmt.Errorf("serve: %w", errNoRepositories)
	}

	repos := make([]tempdir.Repository, 0, len(cmd.cfg.Repositories))
	for _, configured := range cmd.cfg.Repositories {
		r, err := cmd.openRepository(configured.Path)
		if err != nil {
			return fmt.Errorf("serve: repository %q: %w", configured.Name, err)
		}
		repos = append(repos, tempdir.Repository{Name: configured.Name, Repo: r})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cmd.cfg.PrometheusListenAddr; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}

		log.WithField("address", l.Addr().String()).Info("starting prometheus listener")

		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Handler: promMux}

		go func() {
			if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("unable to serve prometheus")
			}
		}()
		defer server.Close()
	}

	maxAge := cmd.cfg.Transactions.MaxAge.Duration()
	if maxAge <= 0 {
		maxAge = config.DefaultTransactionMaxAge
	}
	interval := cmd.cfg.Transactions.CleanInterval.Duration()
	if interval <= 0 {
		interval = config.DefaultCleanInterval
	}

	stopCleaning := tempdir.StartCleaning(ctx, repos, maxAge, interval)
	defer stopCleaning()

	<-ctx.Done()
	log.Info("shutting down")

	return nil
}
