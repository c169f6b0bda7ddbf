// Package table loads headerless OFML data files into typed, in-memory
// tables.
package table

import (
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/ofmlsync/internal/ofml"
)

// ColumnType is the storage type a descriptor type coerces to.
type ColumnType int

const (
	// String columns are trimmed text.
	String ColumnType = iota
	// Int columns hold int64.
	Int
	// Float columns hold float64.
	Float
	// Bool columns hold bool.
	Bool
)

func (c ColumnType) String() string {
	switch c {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// TypeFor maps a normalized descriptor type to a ColumnType. Unknown types,
// including "char", are read as strings.
func TypeFor(descr string) ColumnType {
	switch strings.ToLower(descr) {
	case "int", "integer", "long", "short":
		return Int
	case "float", "double", "number", "decimal", "price":
		return Float
	case "bool", "boolean":
		return Bool
	default:
		return String
	}
}

// Table is one materialized data file.
type Table struct {
	// Filename is the data file name as listed in the descriptor.
	Filename string
	Path     string
	Kind     ofml.Kind

	Columns []string
	Types   []ColumnType
	// Rows holds one []any per record; nil cells are NULL.
	Rows [][]any

	// ReadAt is the wall clock at read time, ModifiedAt the file mtime.
	ReadAt     time.Time
	ModifiedAt time.Time
	// Skipped counts malformed rows dropped while reading.
	Skipped int
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool { return len(t.Rows) == 0 }

// LogicalName is the file name with everything from the first '.' removed.
func (t *Table) LogicalName() string { return LogicalName(t.Filename) }

// TargetName is the mirror table the rows are written to.
func (t *Table) TargetName() string { return TargetName(t.Filename) }

// ColumnType returns the type of column name.
func (t *Table) ColumnType(name string) (ColumnType, bool) {
	for i, c := range t.Columns {
		if c == name {
			return t.Types[i], true
		}
	}
	return String, false
}

// LogicalName strips everything from the first '.' of filename.
func LogicalName(filename string) string {
	if i := strings.IndexByte(filename, '.'); i >= 0 {
		return filename[:i]
	}
	return filename
}

var languageTable = regexp.MustCompile(`_(de|en|fr|nl)\.sr$`)

// TargetName maps a data file name to its mirror table. Per-language string
// tables of all programs share one target, e.g. "talos_de.sr" -> "go_de_sr".
func TargetName(filename string) string {
	if m := languageTable.FindStringSubmatch(filename); m != nil {
		return "go_" + m[1] + "_sr"
	}
	return LogicalName(filename)
}
