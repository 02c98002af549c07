// Package metadata provides the SQL-backed node store for the file tree.
// It supports PostgreSQL and SQLite through the same set of queries.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metrics"
)

//go:embed migrations/postgres/*.up.sql migrations/sqlite/*.up.sql
var migrationsFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the node store. Its node operations run outside any transaction;
// use WithTx to group several of them atomically.
type Store struct {
	nodeOps
	db *sql.DB
}

// Tx is a node store transaction. It is only valid inside the WithTx callback.
type Tx struct {
	nodeOps
	tx *sql.Tx
}

// Open connects to the database for the given driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*Store, error) {
	d, err := newDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := d.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{nodeOps: nodeOps{q: db, d: d}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.d.name
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded migration files for the store's driver in order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, path.Join("migrations", s.d.name, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("driver", s.d.name), zap.String("file", path.Base(f)))
		content, err := migrationsFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("transaction", time.Since(start))
	}()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{nodeOps: nodeOps{q: sqlTx, d: s.d}, tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logging.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
