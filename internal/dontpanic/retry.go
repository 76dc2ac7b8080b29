// Package dontpanic keeps panics in background work from crashing the process.
package dontpanic

import (
	"context"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

var logger = log.Default().WithField("component", "dontpanic")

// Try runs fn and recovers from a panic in it. The recovered value is sent to Sentry and
// logged as an error. Try reports whether fn returned normally.
func Try(fn func()) (normal bool) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		normal = false

		entry := logger
		if id := sentry.CurrentHub().Recover(recovered); id != nil && *id != "" {
			entry = entry.WithField("sentry_id", *id)
		}
		entry.Errorf("recovered from panic: %+v", recovered)
	}()

	fn()
	return true
}

// Forever runs a function over and over in the background until it is cancelled.
type Forever struct {
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

// GoForever calls fn in a goroutine again and again until ctx is done or the returned
// Forever is cancelled. The context passed to fn is done in both cases, so fn may block on
// it. After a panic the next call is delayed by backoff.
func GoForever(ctx context.Context, backoff time.Duration, fn func(context.Context)) *Forever {
	ctx, cancel := context.WithCancel(ctx)
	f := &Forever{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(f.done)

		for ctx.Err() == nil {
			if Try(func() { fn(ctx) }) || backoff <= 0 {
				continue
			}

			logger.Infof("backing off %s before retrying", backoff)

			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}()

	return f
}

// Cancel stops the loop and waits for a running call of the function to return.
func (f *Forever) Cancel() {
	f.cancelOnce.Do(f.cancel)
	<-f.done
}
