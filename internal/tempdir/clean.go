package tempdir

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/dontpanic"
	"golang.org/x/sync/errgroup"
)

// StartCleaning starts transaction cleanup in a goroutine. All repositories are walked
// in parallel, and again once interval has passed since the previous walk ended. The
// returned function stops the cleaner and waits for a running walk to finish.
func StartCleaning(ctx context.Context, repos []Repository, maxAge, interval time.Duration) func() {
	return startCleaning(ctx, repos, maxAge, newIntervalTicker(interval))
}

func startCleaning(ctx context.Context, repos []Repository, maxAge time.Duration, t ticker) func() {
	forever := dontpanic.GoForever(ctx, time.Minute, func(ctx context.Context) {
		cleanRepositories(ctx, repos, maxAge)

		t.Reset()
		select {
		case <-ctx.Done():
		case <-t.C():
		}
	})

	return func() {
		forever.Cancel()
		t.Stop()
	}
}

var errPanicked = errors.New("cleaner panicked")

func cleanRepositories(ctx context.Context, repos []Repository, maxAge time.Duration) {
	group, ctx := errgroup.WithContext(ctx)

	for _, repository := range repos {
		repository := repository
		group.Go(func() error {
			start := time.Now()

			var removed []string
			err := errPanicked
			dontpanic.Try(func() {
				removed, err = Clean(ctx, repository.Repo, maxAge)
			})

			entry := logger(ctx).WithFields(logrus.Fields{
				"time_ms":      time.Since(start).Milliseconds(),
				"repository":   repository.Name,
				"transactions": len(removed),
			})
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Info("finished transaction cleaner walk")

			// A failing repository must not stop the others.
			return nil
		})
	}

	_ = group.Wait()
}
