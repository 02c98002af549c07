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

// EnsurePath finds or creates the folders named by all but the last segment
// and inserts the file named by the last one. The file's size is reserved
// against the quota first and propagated to every ancestor in the same
// transaction as the insert.
func (t *Tree) EnsurePath(ctx context.Context, segments []string, d Descriptor) (*models.Node, error) {
	if err := validateSegments(segments); err != nil {
		return nil, err
	}
	if err := validateDescriptor(d); err != nil {
		return nil, err
	}

	if err := t.quota.Reserve(d.Size); err != nil {
		return nil, err
	}

	unlock := t.locks.shared(segments[0])
	defer unlock()

	var file *models.Node
	var created int
	err := t.store.WithTx(ctx, func(tx *metadata.Tx) error {
		deltas := sizeDeltas{}
		var err error
		if file, created, err = t.ensurePathTx(ctx, tx, segments, d, deltas); err != nil {
			return err
		}
		return deltas.apply(ctx, tx)
	})
	if err != nil {
		t.quota.Release(d.Size)
		return nil, err
	}

	recordCreated(created, 1)
	t.refreshTreeSize(ctx)
	logging.Info("file inserted",
		zap.String("path", JoinPath(segments)),
		zap.Int64("id", file.ID),
		zap.Int64("size", file.Size),
		zap.Int("folders_created", created),
	)
	return file, nil
}

// ensurePathTx resolves segments inside tx and returns the new file and the
// number of folders it had to create. The file's size is charged to its
// ancestors in deltas; the caller applies them before commit.
func (t *Tree) ensurePathTx(ctx context.Context, tx *metadata.Tx, segments []string, d Descriptor, deltas sizeDeltas) (*models.Node, int, error) {
	var parent *int64
	chain := make([]int64, 0, len(segments)-1)
	created := 0
	for _, name := range segments[:len(segments)-1] {
		id, isNew, err := findOrCreateFolder(ctx, tx, parent, name)
		if err != nil {
			return nil, created, err
		}
		if isNew {
			created++
		}
		chain = append(chain, id)
		parent = models.ID64(id)
	}

	name := segments[len(segments)-1]
	id, err := tx.Create(ctx, name, models.KindFile, parent, d.Size, d.StorageKey)
	if err != nil {
		return nil, created, err
	}
	deltas.addPath(chain, d.Size)

	file, err := tx.Get(ctx, id)
	if err != nil {
		return nil, created, err
	}
	logging.Debug("resolved path",
		zap.String("path", JoinPath(segments)),
		zap.Int64("id", id),
	)
	return file, created, nil
}

// findOrCreateFolder inserts the folder or, when the name is taken by a
// folder already, returns the existing one. A file in the way is a kind
// conflict.
func findOrCreateFolder(ctx context.Context, tx *metadata.Tx, parent *int64, name string) (int64, bool, error) {
	id, err := tx.Create(ctx, name, models.KindFolder, parent, 0, "")
	if err == nil {
		return id, true, nil
	}
	var dup *models.DuplicateNameError
	if errors.As(err, &dup) && !dup.KindConflict {
		return dup.Existing.ID, false, nil
	}
	return 0, false, err
}

// CreateFolder creates an empty folder under parentID, or at the top level
// when parentID is nil. An existing sibling with the same name is an error.
func (t *Tree) CreateFolder(ctx context.Context, name string, parentID *int64) (*models.Node, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	top := name
	if parentID != nil {
		names, err := t.PathOf(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if len(names) >= maxDepth {
			return nil, &models.InvalidPathError{Path: names[0] + "/...", Reason: "path too deep"}
		}
		top = names[0]
	}

	unlock := t.locks.shared(top)
	defer unlock()

	var folder *models.Node
	err := t.store.WithTx(ctx, func(tx *metadata.Tx) error {
		if parentID != nil {
			parent, err := tx.Get(ctx, *parentID)
			if err != nil {
				return err
			}
			if !parent.IsDir() {
				return &models.InvalidPathError{Path: parent.Name, Reason: "parent is a file"}
			}
		}
		id, err := tx.Create(ctx, name, models.KindFolder, parentID, 0, "")
		if err != nil {
			return err
		}
		folder, err = tx.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	recordCreated(1, 0)
	t.refreshTreeSize(ctx)
	logging.Info("folder created", zap.String("name", name), zap.Int64("id", folder.ID))
	return folder, nil
}

func validateDescriptor(d Descriptor) error {
	if d.Size < 0 {
		return fmt.Errorf("invalid descriptor: negative size %d", d.Size)
	}
	if d.StorageKey == "" {
		return fmt.Errorf("invalid descriptor: missing storage key")
	}
	return nil
}

func recordCreated(folders, files int) {
	for range folders {
		metrics.RecordNodeCreated(string(models.KindFolder))
	}
	for range files {
		metrics.RecordNodeCreated(string(models.KindFile))
	}
}
