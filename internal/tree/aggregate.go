package tree

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/estrada-diego/myCloud/internal/metadata"
)

// maxDepth bounds every walk up the parent chain and the number of
// segments in a path.
const maxDepth = 4096

var errParentChainTooDeep = errors.New("parent chain exceeds maximum depth; tree may contain a cycle")

// propagate adds delta to the size of from and each of its ancestors.
func propagate(ctx context.Context, tx *metadata.Tx, from *int64, delta int64) error {
	return propagateUntil(ctx, tx, from, delta, 0)
}

// propagateUntil adds delta to from and its ancestors, stopping after the
// node with id stop. A stop of 0 walks to the top level.
func propagateUntil(ctx context.Context, tx *metadata.Tx, from *int64, delta, stop int64) error {
	if delta == 0 {
		return nil
	}
	cur := from
	for hops := 0; cur != nil; hops++ {
		if hops >= maxDepth {
			return fmt.Errorf("propagate size from node %d: %w", *from, errParentChainTooDeep)
		}
		id := *cur
		parent, err := tx.AddSize(ctx, id, delta)
		if err != nil {
			return fmt.Errorf("propagate size: %w", err)
		}
		if id == stop {
			return nil
		}
		cur = parent
	}
	return nil
}

// sizeDeltas accumulates size changes for folders resolved within one
// transaction, keyed by node id.
type sizeDeltas map[int64]*folderDelta

type folderDelta struct {
	depth int
	delta int64
}

// addPath charges delta to every folder on a resolved ancestor chain,
// ordered top-level first.
func (s sizeDeltas) addPath(chain []int64, delta int64) {
	for depth, id := range chain {
		fd, ok := s[id]
		if !ok {
			fd = &folderDelta{depth: depth}
			s[id] = fd
		}
		fd.delta += delta
	}
}

// order returns the folders with a non-zero delta, deepest first and by
// ascending id within a depth.
func (s sizeDeltas) order() []int64 {
	ids := make([]int64, 0, len(s))
	for id, fd := range s {
		if fd.delta != 0 {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b int64) int {
		if c := cmp.Compare(s[b].depth, s[a].depth); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// apply writes one AddSize per folder in order. Every writer updates folder
// rows in this order, so two transactions never wait on each other's row
// locks in a cycle.
func (s sizeDeltas) apply(ctx context.Context, tx *metadata.Tx) error {
	for _, id := range s.order() {
		if _, err := tx.AddSize(ctx, id, s[id].delta); err != nil {
			return fmt.Errorf("propagate size: %w", err)
		}
	}
	return nil
}
