package tree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/pkg/models"
)

// ProblemKind classifies an inconsistency found by Verify.
type ProblemKind string

const (
	ProblemSizeMismatch ProblemKind = "size_mismatch"
	ProblemOrphan       ProblemKind = "orphan"      // parent missing or not a folder
	ProblemUnreachable  ProblemKind = "unreachable" // part of a parent cycle
	ProblemStorageKey   ProblemKind = "storage_key"
	ProblemMissingBlob  ProblemKind = "missing_blob"
	ProblemUsageDrift   ProblemKind = "usage_drift"
)

// Problem is one inconsistency.
type Problem struct {
	Kind     ProblemKind `json:"kind"`
	NodeID   int64       `json:"node_id,omitempty"`
	Expected int64       `json:"expected,omitempty"`
	Actual   int64       `json:"actual,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (p Problem) String() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s node=%d: %s", p.Kind, p.NodeID, p.Detail)
	}
	return fmt.Sprintf("%s node=%d: expected %d, got %d", p.Kind, p.NodeID, p.Expected, p.Actual)
}

// Report is the result of Verify.
type Report struct {
	Nodes     int       `json:"nodes"`
	Files     int       `json:"files"`
	Folders   int       `json:"folders"`
	FileBytes int64     `json:"file_bytes"`
	Usage     int64     `json:"usage"`
	Problems  []Problem `json:"problems"`
}

// OK reports whether no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// VerifyOptions controls the optional checks of Verify.
type VerifyOptions struct {
	// CheckBlobs asks the byte store whether every file's object exists.
	CheckBlobs bool
}

type arenaNode struct {
	node     *models.Node
	children []int
	sum      int64
	visited  bool
}

// Verify scans the whole tree and checks folder sizes, parent links, storage
// keys and the usage counter. Results are only meaningful while no mutation
// is in flight.
func (t *Tree) Verify(ctx context.Context, opts VerifyOptions) (*Report, error) {
	nodes, err := t.store.AllNodes(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Nodes: len(nodes), Usage: t.quota.CurrentUsage()}
	arena := make([]arenaNode, len(nodes))
	index := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		arena[i].node = n
		index[n.ID] = i
	}

	var roots []int
	orphan := make(map[int]bool)
	keys := make(map[string]int64)
	for i, n := range nodes {
		switch n.Kind {
		case models.KindFile:
			report.Files++
			report.FileBytes += n.Size
			if n.StorageKey == "" {
				report.add(Problem{Kind: ProblemStorageKey, NodeID: n.ID, Detail: "file has no storage key"})
			} else if other, dup := keys[n.StorageKey]; dup {
				report.add(Problem{Kind: ProblemStorageKey, NodeID: n.ID, Detail: fmt.Sprintf("storage key shared with node %d", other)})
			} else {
				keys[n.StorageKey] = n.ID
			}
		case models.KindFolder:
			report.Folders++
		}

		if n.ParentID == nil {
			roots = append(roots, i)
			continue
		}
		p, ok := index[*n.ParentID]
		if !ok || !nodes[p].IsDir() {
			orphan[i] = true
			report.add(Problem{Kind: ProblemOrphan, NodeID: n.ID, Detail: fmt.Sprintf("parent %d missing or not a folder", *n.ParentID)})
			continue
		}
		arena[p].children = append(arena[p].children, i)
	}

	// Post-order over each top-level node with an explicit stack; children
	// are summed before their parent is checked.
	type frame struct {
		idx      int
		expanded bool
	}
	for _, r := range roots {
		stack := []frame{{idx: r}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			a := &arena[top.idx]
			if !top.expanded {
				top.expanded = true
				a.visited = true
				for _, c := range a.children {
					stack = append(stack, frame{idx: c})
				}
				continue
			}
			stack = stack[:len(stack)-1]

			n := a.node
			if n.IsDir() {
				if a.sum != n.Size {
					report.add(Problem{Kind: ProblemSizeMismatch, NodeID: n.ID, Expected: a.sum, Actual: n.Size})
				}
			} else {
				a.sum = n.Size
			}
			if n.ParentID != nil {
				arena[index[*n.ParentID]].sum += a.sum
			}
		}
	}

	for i := range arena {
		if !arena[i].visited && !orphan[i] {
			report.add(Problem{Kind: ProblemUnreachable, NodeID: arena[i].node.ID, Detail: "not reachable from the top level"})
		}
	}

	if opts.CheckBlobs {
		for key, id := range keys {
			ok, err := t.blobs.Exists(ctx, key)
			if err != nil {
				return nil, asByteStoreError("exists", key, err)
			}
			if !ok {
				report.add(Problem{Kind: ProblemMissingBlob, NodeID: id, Detail: "backing object " + key + " is missing"})
			}
		}
	}

	if report.Usage != report.FileBytes {
		report.add(Problem{Kind: ProblemUsageDrift, Expected: report.FileBytes, Actual: report.Usage})
	}

	return report, nil
}

func (r *Report) add(p Problem) {
	r.Problems = append(r.Problems, p)
}

// Repair fixes what can be fixed mechanically: folder sizes and the usage
// counter. It returns the number of problems fixed.
func (t *Tree) Repair(ctx context.Context, report *Report) (int, error) {
	fixed := 0
	for _, p := range report.Problems {
		switch p.Kind {
		case ProblemSizeMismatch:
			if err := t.store.SetSize(ctx, p.NodeID, p.Expected); err != nil {
				return fixed, fmt.Errorf("repair size of node %d: %w", p.NodeID, err)
			}
			logging.Warn("repaired folder size",
				zap.Int64("id", p.NodeID),
				zap.Int64("was", p.Actual),
				zap.Int64("now", p.Expected),
			)
			fixed++
		case ProblemUsageDrift:
			t.quota.Reset(p.Expected)
			logging.Warn("reset usage counter", zap.Int64("was", p.Actual), zap.Int64("now", p.Expected))
			fixed++
		}
	}
	return fixed, nil
}
