package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/pkg/models"
)

// DeleteSubtree removes a node and everything below it and returns the file
// bytes freed.
//
// Each file's bytes are released before its row is removed. A file whose
// bytes cannot be released keeps its row, and so do the folders above it;
// the failure is returned as a *models.ByteStoreIOError joined with any
// others while the rest of the subtree is still removed. Sizes of retained
// folders stay exact, and the ancestors above the subtree plus the usage
// counter are reduced once by whatever was actually freed.
func (t *Tree) DeleteSubtree(ctx context.Context, rootID int64) (int64, error) {
	top, err := t.topLevelName(ctx, rootID)
	if err != nil {
		return 0, err
	}

	unlock := t.locks.exclusive(top)
	defer unlock()

	root, err := t.store.Get(ctx, rootID)
	if err != nil {
		return 0, err
	}

	var (
		freed   int64
		folders []*models.Node
		ioErrs  []error
		stack   = []*models.Node{root}
	)

	walkErr := func() error {
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if n.IsDir() {
				folders = append(folders, n)
				children, err := t.store.ChildrenOf(ctx, &n.ID)
				if err != nil {
					return err
				}
				stack = append(stack, children...)
				continue
			}

			err := t.deleteFile(ctx, n, rootID)
			var ioErr *models.ByteStoreIOError
			if errors.As(err, &ioErr) {
				metrics.RecordByteReleaseFailure()
				logging.Error("failed to release file bytes; keeping node",
					zap.Int64("id", n.ID),
					zap.String("name", n.Name),
					zap.Error(err),
				)
				ioErrs = append(ioErrs, err)
				continue
			}
			if err != nil {
				return err
			}
			freed += n.Size
		}

		// Children were discovered after their parents.
		for i := len(folders) - 1; i >= 0; i-- {
			if err := t.deleteFolder(ctx, folders[i]); err != nil {
				return err
			}
		}
		return nil
	}()

	if err := t.finishDelete(ctx, root, freed); err != nil {
		walkErr = errors.Join(walkErr, err)
	}

	t.refreshTreeSize(ctx)
	logging.Info("subtree deleted",
		zap.Int64("root", rootID),
		zap.Int64("bytes_freed", freed),
		zap.Int("release_failures", len(ioErrs)),
	)

	if walkErr != nil {
		return freed, errors.Join(append([]error{walkErr}, ioErrs...)...)
	}
	return freed, errors.Join(ioErrs...)
}

// deleteFile releases a file's bytes, then removes its row and subtracts its
// size from its ancestors inside the subtree rooted at rootID.
func (t *Tree) deleteFile(ctx context.Context, n *models.Node, rootID int64) error {
	if err := t.blobs.Release(ctx, n.StorageKey); err != nil {
		return asByteStoreError("release", n.StorageKey, err)
	}

	err := t.store.WithTx(ctx, func(tx *metadata.Tx) error {
		if err := tx.Delete(ctx, n.ID); err != nil {
			return err
		}
		if n.ID == rootID {
			return nil
		}
		return propagateUntil(ctx, tx, n.ParentID, -n.Size, rootID)
	})
	if err != nil {
		return fmt.Errorf("delete file %d after releasing its bytes: %w", n.ID, err)
	}

	metrics.RecordNodeDeleted(string(models.KindFile))
	logging.Debug("file deleted", zap.Int64("id", n.ID), zap.String("key", n.StorageKey))
	return nil
}

// deleteFolder removes a folder unless something below it was retained.
func (t *Tree) deleteFolder(ctx context.Context, n *models.Node) error {
	remaining, err := t.store.CountChildren(ctx, n.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		logging.Debug("keeping folder with retained children",
			zap.Int64("id", n.ID),
			zap.Int64("children", remaining),
		)
		return nil
	}
	if err := t.store.Delete(ctx, n.ID); err != nil {
		return err
	}
	metrics.RecordNodeDeleted(string(models.KindFolder))
	logging.Debug("folder deleted", zap.Int64("id", n.ID), zap.String("name", n.Name))
	return nil
}

// finishDelete applies the freed bytes to the ancestors above the subtree
// and to the usage counter, once.
func (t *Tree) finishDelete(ctx context.Context, root *models.Node, freed int64) error {
	if freed == 0 {
		return nil
	}
	err := t.store.WithTx(ctx, func(tx *metadata.Tx) error {
		return propagate(ctx, tx, root.ParentID, -freed)
	})
	// The rows are gone either way, so the counter follows them.
	t.quota.Release(freed)
	if err != nil {
		return fmt.Errorf("shrink ancestors of node %d: %w", root.ID, err)
	}
	return nil
}

// asByteStoreError wraps err as a *models.ByteStoreIOError unless it already is one.
func asByteStoreError(op, key string, err error) error {
	var ioErr *models.ByteStoreIOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &models.ByteStoreIOError{Op: op, Key: key, Err: err}
}
