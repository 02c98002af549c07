package tree

import (
	"context"
	"io"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/pkg/models"
)

// uploadConcurrency bounds parallel byte store writes within one batch.
const uploadConcurrency = 4

// UploadItem is one file of an upload batch.
type UploadItem struct {
	Path string // slash-separated, relative to the top level
	Size int64
	Body io.Reader
}

// Upload stores a batch of files. The whole batch is admitted against the
// quota up front and inserted in one transaction: either every file is
// created or none is, and a rejected batch changes nothing.
func (t *Tree) Upload(ctx context.Context, items []UploadItem) ([]*models.Node, error) {
	if len(items) == 0 {
		return nil, &models.InvalidPathError{Reason: "empty upload batch"}
	}

	paths := make([][]string, len(items))
	tops := make([]string, len(items))
	var total int64
	for i, it := range items {
		segments, err := SplitPath(it.Path)
		if err != nil {
			return nil, err
		}
		if it.Size < 0 {
			return nil, &models.InvalidPathError{Path: it.Path, Reason: "negative size"}
		}
		paths[i] = segments
		tops[i] = segments[0]
		total += it.Size
	}

	if err := t.quota.Reserve(total); err != nil {
		metrics.RecordUploadBatch(total, false)
		logging.Warn("upload batch rejected", zap.Int("files", len(items)), zap.Int64("bytes", total), zap.Error(err))
		return nil, err
	}

	nodes, created, err := t.uploadReserved(ctx, items, paths, tops)
	if err != nil {
		t.quota.Release(total)
		metrics.RecordUploadBatch(total, false)
		return nil, err
	}

	metrics.RecordUploadBatch(total, true)
	recordCreated(created, len(nodes))
	t.refreshTreeSize(ctx)
	logging.Info("upload batch stored",
		zap.Int("files", len(nodes)),
		zap.Int64("bytes", total),
		zap.Int("folders_created", created),
	)
	return nodes, nil
}

func (t *Tree) uploadReserved(ctx context.Context, items []UploadItem, paths [][]string, tops []string) ([]*models.Node, int, error) {
	keys, err := t.storeBlobs(ctx, items)
	if err != nil {
		return nil, 0, err
	}

	unlock := t.locks.shared(tops...)
	defer unlock()

	// Resolve in path order so concurrent batches create shared folders in
	// the same sequence.
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return slices.Compare(paths[a], paths[b])
	})

	nodes := make([]*models.Node, len(items))
	var created int
	err = t.store.WithTx(ctx, func(tx *metadata.Tx) error {
		created = 0
		deltas := sizeDeltas{}
		for _, i := range order {
			n, c, err := t.ensurePathTx(ctx, tx, paths[i], Descriptor{Size: items[i].Size, StorageKey: keys[i]}, deltas)
			created += c
			if err != nil {
				return err
			}
			nodes[i] = n
		}
		return deltas.apply(ctx, tx)
	})
	if err != nil {
		t.releaseOrphans(ctx, keys)
		return nil, 0, err
	}
	return nodes, created, nil
}

// storeBlobs writes every item's bytes in parallel. On failure the objects
// already written are released.
func (t *Tree) storeBlobs(ctx context.Context, items []UploadItem) ([]string, error) {
	keys := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, it := range items {
		g.Go(func() error {
			key, err := t.blobs.Store(gctx, it.Body, it.Size)
			if err != nil {
				return asByteStoreError("store", "", err)
			}
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.releaseOrphans(ctx, keys)
		return nil, err
	}
	return keys, nil
}

// releaseOrphans releases objects that no node references.
func (t *Tree) releaseOrphans(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := t.blobs.Release(ctx, key); err != nil {
			metrics.RecordByteReleaseFailure()
			logging.Error("failed to release orphaned object", zap.String("key", key), zap.Error(err))
		}
	}
}
