// Package txn implements the transaction root: the mutable staging tree a commit is
// built in. Every transaction owns a staging directory holding its nodes, its change
// log, its properties and a prototype revision file with the contents written so far.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
	"gitlab.com/gitlab-org/revfs/internal/log"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

const (
	// CheckLocksProperty is an internal transaction property. When set, node operations
	// verify path locks as they go.
	CheckLocksProperty = revnode.PropertyPrefix + "check-locks"

	infoFile       = "info"
	propsFile      = "props"
	nextIDsFile    = "next-ids"
	changesFile    = "changes"
	prototypeFile  = "rev"
	nodeFilePrefix = "node."
)

// internalProperties are dropped when the transaction becomes a revision.
var internalProperties = []string{CheckLocksProperty}

type info struct {
	BaseRevision int64 `json:"base_revision"`
	BaseRoot     id.ID `json:"base_root"`
	Root         id.ID `json:"root"`
}

// Transaction is an open transaction.
type Transaction struct {
	repo *repo.Repository
	id   string
	dir  string

	mu        sync.Mutex
	info      info
	nodes     map[id.ID]*revnode.Node
	pathCache map[string]*revnode.Node
}

// Option configures a new transaction.
type Option func(*beginOptions)

type beginOptions struct {
	props map[string][]byte
}

// WithCheckLocks makes node operations verify path locks.
func WithCheckLocks() Option {
	return WithProperty(CheckLocksProperty, []byte("true"))
}

// WithProperty sets an initial transaction property.
func WithProperty(name string, value []byte) Option {
	return func(o *beginOptions) {
		o.props[name] = value
	}
}

// Begin creates a new transaction based on revision baseRev.
func Begin(ctx context.Context, r *repo.Repository, baseRev int64, opts ...Option) (*Transaction, error) {
	o := beginOptions{props: map[string][]byte{}}
	for _, opt := range opts {
		opt(&o)
	}

	base, err := r.Revision(ctx, baseRev)
	if err != nil {
		return nil, err
	}

	baseRoot, err := base.Root(ctx)
	if err != nil {
		return nil, err
	}

	txnID := fmt.Sprintf("%d-%s", baseRev, uuid.New().String())
	t := newTransaction(r, txnID)

	if err := os.Mkdir(t.dir, 0o755); err != nil {
		return nil, fserr.IO("create transaction", err)
	}

	root := baseRoot.Clone()
	root.ID = id.NewTxn(baseRoot.ID.NodeID, baseRoot.ID.CopyID, txnID)
	predecessor := baseRoot.ID
	root.PredecessorID = &predecessor
	if root.PredecessorCount >= 0 {
		root.PredecessorCount++
	}
	root.CopyFromRevision = id.InvalidRevision
	root.CopyFromPath = ""

	t.info = info{BaseRevision: baseRev, BaseRoot: baseRoot.ID, Root: root.ID}

	if err := t.writeInfo(); err != nil {
		return nil, err
	}
	if err := repo.WriteProperties(t.path(propsFile), o.props); err != nil {
		return nil, err
	}
	if err := t.writeNextIDs(nextIDs{}); err != nil {
		return nil, err
	}
	if err := t.PutNode(root); err != nil {
		return nil, err
	}

	log.FromContext(ctx, "txn").WithField("transaction", txnID).Debug("transaction created")

	return t, nil
}

// Open opens an existing transaction.
func Open(r *repo.Repository, txnID string) (*Transaction, error) {
	t := newTransaction(r, txnID)

	data, err := os.ReadFile(t.path(infoFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("transaction %q: %w", txnID, fserr.ErrNoSuchTransaction)
		}
		return nil, fserr.IO("read transaction info", err)
	}

	if err := json.Unmarshal(data, &t.info); err != nil {
		return nil, fserr.Corruptf("transaction %q info: %v", txnID, err)
	}

	return t, nil
}

func newTransaction(r *repo.Repository, txnID string) *Transaction {
	return &Transaction{
		repo:      r,
		id:        txnID,
		dir:       r.TransactionDir(txnID),
		nodes:     make(map[id.ID]*revnode.Node),
		pathCache: make(map[string]*revnode.Node),
	}
}

func (t *Transaction) path(name string) string {
	return filepath.Join(t.dir, name)
}

func (t *Transaction) writeInfo() error {
	data, err := json.Marshal(t.info)
	if err != nil {
		return fmt.Errorf("encoding transaction info: %w", err)
	}
	return fserr.IO("write transaction info", safe.WriteFile(t.path(infoFile), data, 0o644))
}

// ID returns the transaction's ID.
func (t *Transaction) ID() string {
	return t.id
}

// Dir returns the transaction's staging directory.
func (t *Transaction) Dir() string {
	return t.dir
}

// Repository returns the repository the transaction belongs to.
func (t *Transaction) Repository() *repo.Repository {
	return t.repo
}

// PrototypePath returns the path of the prototype revision file.
func (t *Transaction) PrototypePath() string {
	return t.path(prototypeFile)
}

// BaseRevision returns the revision the transaction is currently based on.
func (t *Transaction) BaseRevision() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.BaseRevision
}

// BaseRootID returns the identity of the base revision's root.
func (t *Transaction) BaseRootID() id.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.BaseRoot
}

// RootID returns the identity of the transaction's root directory.
func (t *Transaction) RootID() id.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.Root
}

// Base opens the revision the transaction is based on.
func (t *Transaction) Base(ctx context.Context) (*repo.Revision, error) {
	return t.repo.Revision(ctx, t.BaseRevision())
}

// Rebase records that the transaction's tree now incorporates revision base.
func (t *Transaction) Rebase(base *repo.Revision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.info.BaseRevision = base.Number()
	t.info.BaseRoot = base.RootID()
	return t.writeInfo()
}

// Lock takes the transaction lock, which serializes commits of the same transaction.
func (t *Transaction) Lock(ctx context.Context) (*repo.FileLock, error) {
	lock, err := repo.AcquireFileLock(ctx, t.path(repo.TransactionLockFile))
	if err != nil {
		return nil, fserr.IO("acquire transaction lock", err)
	}
	return lock, nil
}

// Properties returns the transaction properties.
func (t *Transaction) Properties() (map[string][]byte, error) {
	return repo.ReadProperties(t.path(propsFile))
}

// SetProperty sets or, with a nil value, removes a transaction property.
func (t *Transaction) SetProperty(name string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	props, err := repo.ReadProperties(t.path(propsFile))
	if err != nil {
		return err
	}

	if value == nil {
		delete(props, name)
	} else {
		props[name] = value
	}

	return repo.WriteProperties(t.path(propsFile), props)
}

// CheckLocks reports whether node operations must verify path locks.
func (t *Transaction) CheckLocks() (bool, error) {
	props, err := t.Properties()
	if err != nil {
		return false, err
	}
	_, ok := props[CheckLocksProperty]
	return ok, nil
}

// RevisionProperties returns the properties the transaction's revision is published
// with: the transaction properties without internal ones.
func (t *Transaction) RevisionProperties() (map[string][]byte, error) {
	props, err := t.Properties()
	if err != nil {
		return nil, err
	}
	for _, name := range internalProperties {
		delete(props, name)
	}
	return props, nil
}

// AddChange appends change to the change log.
func (t *Transaction) AddChange(change changes.PathChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return changes.Append(t.path(changesFile), change)
}

// Changes returns the raw change log.
func (t *Transaction) Changes() ([]changes.PathChange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return changes.ReadFile(t.path(changesFile))
}

// ChangedPaths returns the folded change log.
func (t *Transaction) ChangedPaths() ([]changes.PathChange, error) {
	raw, err := t.Changes()
	if err != nil {
		return nil, err
	}
	return changes.Fold(raw)
}

// PropertiesPath returns the path of the transaction's property file.
func (t *Transaction) PropertiesPath() string {
	return t.path(propsFile)
}
