package repo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// CacheMetrics counts accesses to the committed node cache.
type CacheMetrics struct {
	cacheAccessTotal *prometheus.CounterVec
}

// NewCacheMetrics returns new cache metrics.
func NewCacheMetrics() *CacheMetrics {
	return &CacheMetrics{
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revfs_revision_cache_access_total",
				Help: "Total number of revision index cache accesses by type (hit, miss, evict)",
			},
			[]string{"type"},
		),
	}
}

// Describe returns all metric descriptors.
func (m *CacheMetrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect collects all metrics.
func (m *CacheMetrics) Collect(metrics chan<- prometheus.Metric) {
	m.cacheAccessTotal.Collect(metrics)
}

// index returns the parsed node graph of rev. Concurrent loads of the same revision are
// collapsed into one.
func (r *Repository) index(ctx context.Context, rev int64) (*revisionIndex, error) {
	if cached, ok := r.cache.Get(rev); ok {
		r.metrics.cacheAccessTotal.WithLabelValues("hit").Inc()
		return cached.(*revisionIndex), nil
	}

	r.metrics.cacheAccessTotal.WithLabelValues("miss").Inc()

	loaded, err, _ := r.loads.Do(strconv.FormatInt(rev, 10), func() (interface{}, error) {
		span, _ := opentracing.StartSpanFromContext(ctx, "repo.loadRevision")
		span.SetTag("revision", rev)
		defer span.Finish()

		index, err := loadRevisionIndex(r.RevisionPath(rev), rev)
		if err != nil {
			return nil, err
		}

		r.cache.Add(rev, index)
		return index, nil
	})
	if err != nil {
		return nil, err
	}

	return loaded.(*revisionIndex), nil
}

// Node returns the committed node identified by nodeID. The node is shared with every
// other reader and must not be modified; use Clone to derive a new node.
func (r *Repository) Node(ctx context.Context, nodeID id.ID) (*revnode.Node, error) {
	if nodeID.IsTxn() {
		return nil, fmt.Errorf("transaction node %s is not in the revision store: %w", nodeID, fserr.ErrNotFound)
	}

	index, err := r.index(ctx, nodeID.Revision)
	if err != nil {
		return nil, err
	}

	node, ok := index.nodes[nodeID]
	if !ok {
		return nil, fserr.Corruptf("revision %d has no node %s", nodeID.Revision, nodeID)
	}

	return node, nil
}
