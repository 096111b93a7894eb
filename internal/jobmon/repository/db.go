// Package repository is the SQL persistence layer for every entity in the
// Jobmon data model. It is adapted from the teacher's bbolt-backed
// WorkflowStore (persistence.go): the bucket-per-entity + in-memory cache
// design becomes a table-per-entity design over database/sql, because the
// spec requires a relational schema reachable from both SQLite and MySQL
// (spec §6) rather than an embedded single-writer KV store.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver identifies which SQL dialect a DB handle speaks, since the
// conditional-INSERT syntax (spec §6) differs between SQLite and MySQL.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverMySQL  Driver = "mysql"
)

// DB wraps an sqlx handle with the driver tag needed to pick dialect-correct
// SQL at call sites (upsert, NOWAIT/SKIP_LOCKED hints).
type DB struct {
	*sqlx.DB
	Driver Driver
}

// Open connects to either SQLite or MySQL based on driver, matching the
// JOBMON__SERVER__DB_DRIVER / DB_DSN config keys (SPEC_FULL.md).
func Open(driver Driver, dsn string) (*DB, error) {
	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
	case DriverMySQL:
		driverName = "mysql"
	default:
		return nil, fmt.Errorf("repository: unknown driver %q", driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", driver, err)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("repository: ping %s: %w", driver, err)
	}

	return &DB{DB: sqlx.NewDb(sqlDB, driverName), Driver: driver}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Every caller, the TransitionService
// (internal/jobmon/transition) included, gets a transaction of its own from
// WithTx; the restapi handlers do not open one around their bodies.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertIgnoreClause returns the dialect-specific tail for an idempotent
// insert, per spec §6 ("INSERT IGNORE on MySQL, ON CONFLICT DO NOTHING/UPDATE
// on SQLite").
func (d *DB) InsertIgnoreClause(conflictCols string) string {
	if d.Driver == DriverMySQL {
		return ""
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictCols)
}

// InsertPrefix returns the dialect-specific INSERT verb prefix.
func (d *DB) InsertPrefix() string {
	if d.Driver == DriverMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT"
}

// IsLockTimeout reports whether err is a lock-contention error worth
// retrying under the TransitionService's backoff contract (spec §4.2.3).
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "Lock wait timeout", "Deadlock found", "SQLITE_BUSY")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
