// Package database opens and wraps the Caracal SQL backend.
//
// Two drivers are supported: PostgreSQL (lib/pq) when the DSN starts with
// postgres:// or postgresql://, and SQLite (modernc.org/sqlite, pure Go)
// for everything else including ":memory:". Domain stores write their
// queries once with ? placeholders and call Rebind, which rewrites them to
// $N for PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with driver awareness.
type DB struct {
	*sql.DB
	postgres bool
}

// Open connects to the database named by dsn and verifies the connection.
// For SQLite file paths the parent directory is created if missing and WAL
// mode is enabled.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open database: empty dsn")
	}

	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if postgres {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// SQLite handles a single writer; serialize access through one
		// connection so concurrent consumers do not trip SQLITE_BUSY.
		// Pinning one connection also makes the pragmas below stick.
		db.SetMaxOpenConns(1)
		if !strings.Contains(dsn, ":memory:") {
			if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("enable WAL mode: %w", err)
			}
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db, postgres: postgres}, nil
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (d *DB) IsPostgres() bool { return d.postgres }

// Rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the backend is PostgreSQL.
func (d *DB) Rebind(query string) string {
	if !d.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AutoIncrementPK returns the dialect-specific column definition for a
// monotonically increasing integer primary key.
func (d *DB) AutoIncrementPK() string {
	if d.postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
