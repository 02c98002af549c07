// Package tree is the hierarchical metadata engine. It resolves uploaded
// paths into folders and files, keeps every folder's size equal to the bytes
// of the files below it, deletes subtrees and keeps the global usage counter
// in step with the node store.
package tree

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/internal/quota"
	"github.com/estrada-diego/myCloud/pkg/models"
)

// BlobStore holds the bytes behind file nodes. Keys are generated by the
// store and never derived from display names.
type BlobStore interface {
	Store(ctx context.Context, r io.Reader, size int64) (key string, err error)
	Release(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	OpenForRead(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Descriptor describes the stored bytes of a file being inserted.
type Descriptor struct {
	Size       int64
	StorageKey string
}

// Tree is the metadata engine.
type Tree struct {
	store *metadata.Store
	blobs BlobStore
	quota *quota.Tracker
	locks *lineageLocks
}

// New creates a tree over the given node store, byte store and usage tracker.
func New(store *metadata.Store, blobs BlobStore, tracker *quota.Tracker) *Tree {
	return &Tree{
		store: store,
		blobs: blobs,
		quota: tracker,
		locks: newLineageLocks(),
	}
}

// Init recomputes the usage counter from the persisted files. It must run
// before the tree serves requests.
func (t *Tree) Init(ctx context.Context) error {
	total, err := t.store.TotalFileBytes(ctx)
	if err != nil {
		return fmt.Errorf("initialize usage: %w", err)
	}
	t.quota.Reset(total)

	count, err := t.store.CountNodes(ctx)
	if err != nil {
		return fmt.Errorf("count nodes: %w", err)
	}
	metrics.SetMetadataTreeSize(count)

	logging.Info("tree initialized",
		zap.Int64("used_bytes", total),
		zap.Int64("limit_bytes", t.quota.Limit()),
		zap.Int64("nodes", count),
	)
	return nil
}

// CurrentUsage returns the global usage counter.
func (t *Tree) CurrentUsage() int64 {
	return t.quota.CurrentUsage()
}

// Quota returns the usage tracker.
func (t *Tree) Quota() *quota.Tracker {
	return t.quota
}

// Get returns a node by id.
func (t *Tree) Get(ctx context.Context, id int64) (*models.Node, error) {
	return t.store.Get(ctx, id)
}

// ChildrenOf lists the children of a folder, or the top-level nodes when
// parentID is nil.
func (t *Tree) ChildrenOf(ctx context.Context, parentID *int64) ([]*models.Node, error) {
	if parentID != nil {
		parent, err := t.store.Get(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsDir() {
			return nil, &models.InvalidPathError{Path: parent.Name, Reason: "not a folder"}
		}
	}
	return t.store.ChildrenOf(ctx, parentID)
}

// PathOf returns the names from the top-level ancestor down to the node.
func (t *Tree) PathOf(ctx context.Context, id int64) ([]string, error) {
	var names []string
	cur := &id
	for hops := 0; cur != nil; hops++ {
		if hops >= maxDepth {
			return nil, fmt.Errorf("path of node %d: %w", id, errParentChainTooDeep)
		}
		n, err := t.store.Get(ctx, *cur)
		if err != nil {
			return nil, err
		}
		names = append(names, n.Name)
		cur = n.ParentID
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names, nil
}

// Open returns a reader over a file's bytes.
func (t *Tree) Open(ctx context.Context, id int64) (io.ReadCloser, *models.Node, error) {
	n, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if n.IsDir() {
		return nil, nil, &models.InvalidPathError{Path: n.Name, Reason: "is a folder"}
	}
	rc, _, err := t.blobs.OpenForRead(ctx, n.StorageKey)
	if err != nil {
		return nil, nil, asByteStoreError("read", n.StorageKey, err)
	}
	return rc, n, nil
}

func (t *Tree) topLevelName(ctx context.Context, id int64) (string, error) {
	names, err := t.PathOf(ctx, id)
	if err != nil {
		return "", err
	}
	return names[0], nil
}

func (t *Tree) refreshTreeSize(ctx context.Context) {
	count, err := t.store.CountNodes(ctx)
	if err != nil {
		logging.Warn("failed to count nodes", zap.Error(err))
		return
	}
	metrics.SetMetadataTreeSize(count)
}
