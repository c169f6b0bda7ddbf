// Package db mirrors materialized OFML tables into a relational database.
//
// Every source table maps to one target table holding the source columns
// plus three provenance columns:
//
//	sql_db_program             program the rows came from
//	sql_db_timestamp_modified  mtime of the source file
//	sql_db_timestamp_read      wall clock when the file was read
//
// Persisting a table replaces the rows of one program inside a single
// transaction: rows tagged with the program are deleted, then the new rows
// are inserted. Columns or tables missing from the target are added on the
// fly, once per column.
//
// Two backends are supported through database/sql:
//   - sqlite (default): embedded via github.com/ncruces/go-sqlite3, WAL mode
//   - postgres: github.com/jackc/pgx/v5/stdlib
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// Provenance column names.
const (
	ColProgram  = "sql_db_program"
	ColModified = "sql_db_timestamp_modified"
	ColRead     = "sql_db_timestamp_read"
)

// RunTable records the last completed batch sync.
const RunTable = "sync_timestamp"

var (
	// ErrSchemaDrift is returned when a column is still missing after it
	// was added once.
	ErrSchemaDrift = errors.New("schema drift not healed")
	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown database driver")
)

// Options configures Open.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path (sqlite) or connection URL (postgres).
	DSN string
	// MaxConns caps open connections and concurrent table writes.
	MaxConns int
	// BatchSize is the maximum number of rows per INSERT statement.
	BatchSize int
	Logger    *zap.Logger
}

// DB is the mirror connection pool.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	opts    Options
	logger  *zap.Logger
	locks   keyedMutex
	// writers bounds concurrent table transactions. SQLite has a single
	// writer, so extra writers would only wait on the busy timeout.
	writers int
}

// Open connects to the mirror described by opts.
//
// Example:
//
//	mirror, err := db.Open(ctx, db.Options{Driver: "sqlite", DSN: "ofml.db"})
//	if err != nil {
//	    return err
//	}
//	defer mirror.Close()
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		driverName string
		dsn        string
		dialect    Dialect
	)
	switch opts.Driver {
	case "", "sqlite":
		if opts.DSN == "" {
			return nil, fmt.Errorf("sqlite database path is required")
		}
		driverName, dialect = "sqlite3", SQLite{}
		dsn = sqliteDSN(opts.DSN)
		if !strings.HasPrefix(opts.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case "postgres", "postgresql":
		driverName, dialect = "pgx", Postgres{}
		dsn = opts.DSN
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(conn, dialect, opts), nil
}

// sqliteDSN turns a plain path into a URI with WAL, a busy timeout and
// immediate write transactions. URIs are passed through untouched.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate"
}

// New wraps an existing pool. It is used by Open and by tests that supply
// their own *sql.DB.
func New(conn *sql.DB, dialect Dialect, opts Options) *DB {
	if opts.MaxConns < 1 {
		opts.MaxConns = 8
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn.SetMaxOpenConns(opts.MaxConns)
	conn.SetMaxIdleConns(min(opts.MaxConns, 4))
	conn.SetConnMaxLifetime(5 * time.Minute)

	writers := opts.MaxConns
	if _, ok := dialect.(SQLite); ok {
		writers = 1
	}

	return &DB{
		conn:    conn,
		dialect: dialect,
		opts:    opts,
		logger:  logger,
		locks:   keyedMutex{locks: make(map[string]*keyLock)},
		writers: writers,
	}
}

// RawDB returns the underlying pool for read-only collaborators such as the
// dashboard.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Dialect returns the SQL dialect in use.
func (db *DB) Dialect() Dialect { return db.dialect }

// Close closes the pool. For sqlite the WAL is checkpointed first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, ok := db.dialect.(SQLite); ok {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn("wal checkpoint failed", zap.Error(err))
		}
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// Count returns how many rows of target are tagged with program.
func (db *DB) Count(ctx context.Context, target, program string) (int, error) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s",
		db.dialect.Quote(target), db.dialect.Quote(ColProgram), db.dialect.Placeholder(1))
	var n int
	if err := db.conn.QueryRowContext(ctx, q, program).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", target, err)
	}
	return n, nil
}

// Columns lists the columns of target in table order.
func (db *DB) Columns(ctx context.Context, target string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, db.dialect.ColumnsQuery(), target)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", target, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RecordRun replaces the contents of the run table with the completion
// time and the catalog root of a batch sync.
func (db *DB) RecordRun(ctx context.Context, root string, at time.Time) error {
	d := db.dialect
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s, %s %s)",
			d.Quote(RunTable), d.Quote("value"), d.ColumnType(typeText), d.Quote("type"), d.ColumnType(typeText)),
		fmt.Sprintf("DELETE FROM %s", d.Quote(RunTable)),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s), (%s, %s)",
		d.Quote(RunTable), d.Quote("value"), d.Quote("type"),
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))
	if _, err := tx.ExecContext(ctx, insert,
		at.UTC().Format(time.RFC3339), "init_tables", root, "path"); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return tx.Commit()
}

// LastRun returns the time and root recorded by RecordRun. ok is false if
// no run was recorded yet.
func (db *DB) LastRun(ctx context.Context) (at time.Time, root string, ok bool, err error) {
	d := db.dialect
	q := fmt.Sprintf("SELECT %s, %s FROM %s", d.Quote("value"), d.Quote("type"), d.Quote(RunTable))
	rows, err := db.conn.QueryContext(ctx, q)
	if err != nil {
		if d.MissingTable(err) {
			return time.Time{}, "", false, nil
		}
		return time.Time{}, "", false, fmt.Errorf("last run: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var value, typ string
		if err := rows.Scan(&value, &typ); err != nil {
			return time.Time{}, "", false, err
		}
		switch typ {
		case "init_tables":
			at, err = time.Parse(time.RFC3339, value)
			if err != nil {
				return time.Time{}, "", false, fmt.Errorf("last run: bad timestamp %q: %w", value, err)
			}
			ok = true
		case "path":
			root = value
		}
	}
	return at, root, ok, rows.Err()
}

// keyedMutex serializes work per target table.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
