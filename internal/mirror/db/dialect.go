package db

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// sqlType is the storage class of a mirror column.
type sqlType int

const (
	typeText sqlType = iota
	typeInt
	typeFloat
	typeBool
	typeTimestamp
)

func sqlTypeOf(c table.ColumnType) sqlType {
	switch c {
	case table.Int:
		return typeInt
	case table.Float:
		return typeFloat
	case table.Bool:
		return typeBool
	default:
		return typeText
	}
}

// Dialect hides the differences between mirror backends.
type Dialect interface {
	Name() string
	// Quote returns a quoted identifier.
	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// ColumnType returns the DDL type for t.
	ColumnType(t sqlType) string
	// MissingTable reports whether err means the target table is absent.
	MissingTable(err error) bool
	// MissingColumn extracts the column name from an unknown-column error.
	MissingColumn(err error) (string, bool)
	// MaxParams is the bind parameter limit of one statement.
	MaxParams() int
	// ColumnsQuery selects column names of the table bound to its first
	// placeholder, in table order.
	ColumnsQuery() string
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SQLite is the embedded default backend.
type SQLite struct{}

var (
	sqliteNoColumn = regexp.MustCompile(`(?:has no column named|no such column:)\s+"?([^"\s:]+)"?`)
	sqliteNoTable  = regexp.MustCompile(`no such table`)
)

func (SQLite) Name() string              { return "sqlite" }
func (SQLite) Quote(ident string) string { return quoteIdent(ident) }
func (SQLite) Placeholder(int) string    { return "?" }
func (SQLite) MaxParams() int            { return 32766 }

func (SQLite) ColumnType(t sqlType) string {
	switch t {
	case typeInt, typeBool:
		return "INTEGER"
	case typeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (SQLite) MissingTable(err error) bool {
	return err != nil && sqliteNoTable.MatchString(err.Error())
}

func (SQLite) MissingColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	m := sqliteNoColumn.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (SQLite) ColumnsQuery() string {
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid"
}

// Postgres is the server backend.
type Postgres struct{}

// SQLSTATE codes from https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

var pgColumnName = regexp.MustCompile(`column "([^"]+)"`)

func (Postgres) Name() string              { return "postgres" }
func (Postgres) Quote(ident string) string { return quoteIdent(ident) }
func (Postgres) Placeholder(n int) string  { return "$" + strconv.Itoa(n) }
func (Postgres) MaxParams() int            { return 65535 }

func (Postgres) ColumnType(t sqlType) string {
	switch t {
	case typeInt:
		return "BIGINT"
	case typeFloat:
		return "DOUBLE PRECISION"
	case typeBool:
		return "BOOLEAN"
	case typeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "VARCHAR(255)"
	}
}

func (Postgres) MissingTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

func (Postgres) MissingColumn(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUndefinedColumn {
		return "", false
	}
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName, true
	}
	if m := pgColumnName.FindStringSubmatch(pgErr.Message); m != nil {
		return m[1], true
	}
	return "", false
}

func (Postgres) ColumnsQuery() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position"
}
