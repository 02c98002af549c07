package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/pkg/models"
)

const nodeColumns = `id, name, kind, parent_id, size, storage_key, created_at`

// nodeOps holds the node queries shared by Store and Tx.
type nodeOps struct {
	q querier
	d dialect
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n          models.Node
		kind       string
		parentID   sql.NullInt64
		storageKey sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&n.ID, &n.Name, &kind, &parentID, &n.Size, &storageKey, &createdAt); err != nil {
		return nil, err
	}
	n.Kind = models.Kind(kind)
	if parentID.Valid {
		n.ParentID = models.ID64(parentID.Int64)
	}
	if storageKey.Valid {
		n.StorageKey = storageKey.String
	}
	n.CreatedAt = time.UnixMilli(createdAt)
	return &n, nil
}

func nullParent(parentID *int64) sql.NullInt64 {
	if parentID == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *parentID, Valid: true}
}

func parentKey(parentID *int64) int64 {
	if parentID == nil {
		return 0
	}
	return *parentID
}

// Create inserts a node and returns its id. Sibling uniqueness is enforced by
// the database: a name collision yields a *models.DuplicateNameError carrying
// the existing sibling.
func (o nodeOps) Create(ctx context.Context, name string, kind models.Kind, parentID *int64, size int64, storageKey string) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("create_node", time.Since(start))
	}()

	if !kind.Valid() {
		return 0, fmt.Errorf("create node %q: unknown kind %q", name, kind)
	}
	key := sql.NullString{String: storageKey, Valid: kind == models.KindFile}

	var id int64
	err := o.q.QueryRowContext(ctx, o.d.rebind(
		`INSERT INTO nodes (name, kind, parent_id, size, storage_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING id`),
		name, string(kind), nullParent(parentID), size, key, time.Now().UnixMilli(),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("insert node %q: %w", name, err)
	}

	existing, findErr := o.FindChildByName(ctx, parentID, name)
	if findErr != nil {
		return 0, fmt.Errorf("insert node %q: %w", name, findErr)
	}
	if existing == nil {
		return 0, fmt.Errorf("insert node %q: storage key %q already in use", name, storageKey)
	}
	return 0, &models.DuplicateNameError{
		ParentID:     parentID,
		Name:         name,
		KindConflict: existing.Kind != kind,
		Existing:     existing,
	}
}

// Get returns the node with the given id.
func (o nodeOps) Get(ctx context.Context, id int64) (*models.Node, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("get_node", time.Since(start))
	}()

	row := o.q.QueryRowContext(ctx, o.d.rebind(
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NodeNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return n, nil
}

// ChildrenOf returns the direct children of parentID (nil for top level),
// ordered by name.
func (o nodeOps) ChildrenOf(ctx context.Context, parentID *int64) ([]*models.Node, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("children_of", time.Since(start))
	}()

	rows, err := o.q.QueryContext(ctx, o.d.rebind(
		`SELECT `+nodeColumns+` FROM nodes WHERE COALESCE(parent_id, 0) = $1 ORDER BY name`),
		parentKey(parentID))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// FindChildByName returns the child of parentID named name, or nil if none.
func (o nodeOps) FindChildByName(ctx context.Context, parentID *int64, name string) (*models.Node, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("find_child", time.Since(start))
	}()

	row := o.q.QueryRowContext(ctx, o.d.rebind(
		`SELECT `+nodeColumns+` FROM nodes WHERE COALESCE(parent_id, 0) = $1 AND name = $2`),
		parentKey(parentID), name)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find child %q: %w", name, err)
	}
	return n, nil
}

// CountChildren returns the number of direct children of a folder.
func (o nodeOps) CountChildren(ctx context.Context, id int64) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("count_children", time.Since(start))
	}()

	var count int64
	err := o.q.QueryRowContext(ctx, o.d.rebind(
		`SELECT COUNT(*) FROM nodes WHERE parent_id = $1`), id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children of %d: %w", id, err)
	}
	return count, nil
}

// AddSize atomically adds delta to the node's size and returns its parent id.
func (o nodeOps) AddSize(ctx context.Context, id, delta int64) (*int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("add_size", time.Since(start))
	}()

	var parentID sql.NullInt64
	err := o.q.QueryRowContext(ctx, o.d.rebind(
		`UPDATE nodes SET size = size + $1 WHERE id = $2 RETURNING parent_id`),
		delta, id).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NodeNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("add size to node %d: %w", id, err)
	}
	if !parentID.Valid {
		return nil, nil
	}
	return models.ID64(parentID.Int64), nil
}

// SetSize overwrites a node's size. Only the repair path uses it.
func (o nodeOps) SetSize(ctx context.Context, id, size int64) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("set_size", time.Since(start))
	}()

	res, err := o.q.ExecContext(ctx, o.d.rebind(
		`UPDATE nodes SET size = $1 WHERE id = $2`), size, id)
	if err != nil {
		return fmt.Errorf("set size of node %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// Delete removes exactly one node. Deleting a folder that still has
// children fails on the foreign key.
func (o nodeOps) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("delete_node", time.Since(start))
	}()

	res, err := o.q.ExecContext(ctx, o.d.rebind(`DELETE FROM nodes WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// TotalFileBytes returns the sum of all file sizes.
func (o nodeOps) TotalFileBytes(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("total_file_bytes", time.Since(start))
	}()

	var total int64
	err := o.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM nodes WHERE kind = 'file'`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum file sizes: %w", err)
	}
	return total, nil
}

// CountNodes returns the number of files and folders.
func (o nodeOps) CountNodes(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("count_nodes", time.Since(start))
	}()

	var count int64
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return count, nil
}

// AllNodes returns every node ordered by id.
func (o nodeOps) AllNodes(ctx context.Context) ([]*models.Node, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("all_nodes", time.Since(start))
	}()

	rows, err := o.q.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &models.NodeNotFoundError{ID: id}
	}
	return nil
}
