package metadata

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// dialect captures the differences between the supported databases.
// Queries are written with $N placeholders in argument order.
type dialect struct {
	name string
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
		return dialect{name: driver}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites $N placeholders to ? for SQLite.
func (d dialect) rebind(query string) string {
	if d.name != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// open opens and configures the connection pool for the dialect.
func (d dialect) open(dsn string) (*sql.DB, error) {
	switch d.name {
	case DriverSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// One writer at a time; transactions must only use their own Tx.
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return db, nil
	}
}

// sqliteDSN appends the pragmas every connection needs.
func sqliteDSN(dsn string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}
