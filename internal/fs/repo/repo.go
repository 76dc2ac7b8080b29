// Package repo implements the revision store: the on-disk layout of a repository, the
// sequence of published revisions, the "current" pointer, revision properties, the
// repository write lock and crash recovery.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/locks"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/safe"
	"golang.org/x/sync/singleflight"
)

const (
	formatVersion = "1"

	// DefaultCacheSize is the number of revision indexes kept in memory by default.
	DefaultCacheSize = 256

	// DateProperty is the revision property holding the commit time.
	DateProperty = revnode.PropertyPrefix + "date"
	// AuthorProperty is the revision property holding the committing user.
	AuthorProperty = revnode.PropertyPrefix + "author"
	// LogProperty is the revision property holding the commit message.
	LogProperty = revnode.PropertyPrefix + "log"
)

// Repository is an on-disk repository. It is safe for concurrent use.
type Repository struct {
	path    string
	logger  logrus.FieldLogger
	now     func() time.Time
	cache   *lru.Cache
	loads   singleflight.Group
	metrics *CacheMetrics
	locks   *locks.Store
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	logger    logrus.FieldLogger
	cacheSize int
	metrics   *CacheMetrics
	now       func() time.Time
}

// WithLogger sets the logger used outside of request contexts.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCacheSize sets the number of revision indexes kept in memory.
func WithCacheSize(size int) Option {
	return func(o *options) {
		o.cacheSize = size
	}
}

// WithCacheMetrics makes the repository report cache accesses to metrics. Several
// repositories may share the same metrics.
func WithCacheMetrics(metrics *CacheMetrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithClock sets the clock used for revision dates and lock expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newRepository(path string, opts []Option) (*Repository, error) {
	o := options{
		logger:    logrus.StandardLogger(),
		cacheSize: DefaultCacheSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewCacheMetrics()
	}

	r := &Repository{
		path:    path,
		logger:  o.logger.WithField("repository", path),
		now:     o.now,
		metrics: o.metrics,
	}
	r.locks = locks.NewStore(r.LocksDir(), locks.WithClock(o.now))

	cache, err := lru.NewWithEvict(o.cacheSize, func(key interface{}, value interface{}) {
		r.metrics.cacheAccessTotal.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("creating revision cache: %w", err)
	}
	r.cache = cache

	return r, nil
}

// Create creates a new repository at path holding the empty revision 0.
func Create(ctx context.Context, path string, opts ...Option) (*Repository, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "repo.Create")
	defer span.Finish()

	r, err := newRepository(path, opts)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(r.formatPath()); err == nil {
		return nil, fserr.NewPathError("create repository", path, fserr.ErrAlreadyExists)
	}

	for _, dir := range []string{r.HooksDir(), r.LocksDir(), r.revsDir(), r.revpropsDir(), r.TransactionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fserr.IO("create repository layout", err)
		}
	}

	root := &revnode.Node{
		ID:               id.NewRevision("0", "0", 0),
		Kind:             revnode.KindDir,
		CopyFromRevision: id.InvalidRevision,
		CopyRootRevision: 0,
		CopyRootPath:     "/",
		CreatedPath:      "/",
	}

	proto := r.RevisionPath(0) + ".proto"
	writer, err := NewRevisionWriter(proto)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteNode(root, true); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.WriteChanges(nil); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := safe.Rename(proto, r.RevisionPath(0)); err != nil {
		return nil, fserr.IO("publish revision 0", err)
	}

	if err := r.WriteRevisionProperties(0, map[string][]byte{
		DateProperty: []byte(FormatDate(r.now())),
	}); err != nil {
		return nil, err
	}

	if err := r.WriteCurrent(Current{Youngest: 0, NextNodeID: 1, NextCopyID: 1}); err != nil {
		return nil, err
	}

	// The format file is written last so that a half-created repository cannot be opened.
	if err := safe.WriteFile(r.formatPath(), []byte(formatVersion+"\n"), 0o644); err != nil {
		return nil, fserr.IO("write format", err)
	}

	r.logger.Info("created repository")

	return r, nil
}

// Open opens the existing repository at path.
func Open(path string, opts ...Option) (*Repository, error) {
	data, err := os.ReadFile(filepath.Join(path, "format"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fserr.NewPathError("open repository", path, fserr.ErrNotFound)
		}
		return nil, fserr.IO("read format", err)
	}

	if format := strings.TrimSpace(string(data)); format != formatVersion {
		return nil, fserr.Corruptf("unsupported repository format %q", format)
	}

	return newRepository(path, opts)
}

// Path returns the repository's root directory.
func (r *Repository) Path() string {
	return r.path
}

// Logger returns the repository's logger.
func (r *Repository) Logger() logrus.FieldLogger {
	return r.logger
}

// Now returns the current time of the repository's clock.
func (r *Repository) Now() time.Time {
	return r.now()
}

// Locks returns the path lock store.
func (r *Repository) Locks() *locks.Store {
	return r.locks
}

// HooksDir returns the directory holding repository hooks.
func (r *Repository) HooksDir() string {
	return filepath.Join(r.path, "hooks")
}

// LocksDir returns the directory holding path locks.
func (r *Repository) LocksDir() string {
	return filepath.Join(r.path, "locks")
}

// TransactionsDir returns the directory holding transaction staging directories.
func (r *Repository) TransactionsDir() string {
	return filepath.Join(r.dbDir(), "transactions")
}

// TransactionDir returns the staging directory of transaction txnID.
func (r *Repository) TransactionDir(txnID string) string {
	return filepath.Join(r.TransactionsDir(), txnID+transactionSuffix)
}

// RevisionPath returns the path of the revision file of rev.
func (r *Repository) RevisionPath(rev int64) string {
	return filepath.Join(r.revsDir(), strconv.FormatInt(rev, 10))
}

// RevisionPropertiesPath returns the path of the property file of rev.
func (r *Repository) RevisionPropertiesPath(rev int64) string {
	return filepath.Join(r.revpropsDir(), strconv.FormatInt(rev, 10))
}

func (r *Repository) dbDir() string         { return filepath.Join(r.path, "db") }
func (r *Repository) revsDir() string       { return filepath.Join(r.dbDir(), "revs") }
func (r *Repository) revpropsDir() string   { return filepath.Join(r.dbDir(), "revprops") }
func (r *Repository) currentPath() string   { return filepath.Join(r.dbDir(), "current") }
func (r *Repository) writeLockPath() string { return filepath.Join(r.dbDir(), "write-lock") }
func (r *Repository) formatPath() string    { return filepath.Join(r.path, "format") }

// Youngest returns the number of the youngest published revision.
func (r *Repository) Youngest(ctx context.Context) (int64, error) {
	current, err := r.ReadCurrent()
	if err != nil {
		return 0, err
	}
	return current.Youngest, nil
}

// LockWrite takes the repository write lock. Only one writer may publish a revision or
// change locks at a time, across all processes.
func (r *Repository) LockWrite(ctx context.Context) (*FileLock, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "repo.LockWrite")
	defer span.Finish()

	lock, err := AcquireFileLock(ctx, r.writeLockPath())
	if err != nil {
		return nil, fserr.IO("acquire write lock", err)
	}
	return lock, nil
}

// WithWriteLock runs fn while holding the repository write lock.
func (r *Repository) WithWriteLock(ctx context.Context, fn func() error) (returnedErr error) {
	lock, err := r.LockWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil && returnedErr == nil {
			returnedErr = fserr.IO("release write lock", err)
		}
	}()

	return fn()
}

// FormatDate formats a revision date.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
