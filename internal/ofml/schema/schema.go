// Package schema parses OFML table descriptor files (*.inp_descr).
//
// A descriptor lists the tables of one part and, for each table, its fields
// in positional order. Data files carry no header row, so the field order
// declared here is what maps cells to columns.
package schema

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"

	"github.com/steveyegge/ofmlsync/internal/ofml"
)

// DefaultDelimiter is used for tables that do not declare one.
const DefaultDelimiter = ';'

// StringType is the normalized name for every string-like field type.
const StringType = "string"

// TableDef describes one data file.
type TableDef struct {
	Columns   []string
	Types     []string
	Delimiter rune
}

// TypeOf returns the normalized type of column, or "" if it is unknown.
func (d TableDef) TypeOf(column string) string {
	for i, c := range d.Columns {
		if c == column {
			return d.Types[i]
		}
	}
	return ""
}

// Definitions is an ordered map from data file name to its TableDef.
type Definitions struct {
	names []string
	defs  map[string]TableDef
}

// NewDefinitions returns an empty set.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[string]TableDef)}
}

// Set adds or replaces the definition for name. Replacing keeps the
// original position.
func (d *Definitions) Set(name string, def TableDef) {
	if _, exists := d.defs[name]; !exists {
		d.names = append(d.names, name)
	}
	d.defs[name] = def
}

// Get returns the definition for name.
func (d *Definitions) Get(name string) (TableDef, bool) {
	def, ok := d.defs[name]
	return def, ok
}

// Names returns table file names in declaration order.
func (d *Definitions) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of tables.
func (d *Definitions) Len() int { return len(d.names) }

// NormalizeType folds every type containing "string" into StringType and
// lowercases everything else.
func NormalizeType(t string) string {
	lower := strings.ToLower(t)
	if strings.Contains(lower, StringType) {
		return StringType
	}
	return lower
}

// ReadDescriptor parses the descriptor at path. Descriptors share the
// Windows-1252 encoding of the rest of the catalog.
func ReadDescriptor(path string) ofml.Result[*Definitions] {
	fh, err := os.Open(path)
	if err != nil {
		return ofml.Unavailable[*Definitions](err)
	}
	defer fh.Close()

	defs, err := Parse(charmap.Windows1252.NewDecoder().Reader(fh))
	if err != nil {
		return ofml.Unavailable[*Definitions](fmt.Errorf("parse %s: %w", path, err))
	}
	return ofml.Ok(defs)
}

// Parse runs the descriptor state machine over r.
func Parse(r io.Reader) (*Definitions, error) {
	defs := NewDefinitions()

	var (
		inComment bool
		current   string
		def       TableDef
		open      bool
	)
	flush := func() {
		if open {
			defs.Set(current, def)
		}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}

		switch {
		case tokens[0] == "comment":
			inComment = true
			continue
		case len(tokens) >= 2 && tokens[0] == "end" && tokens[1] == "comment":
			inComment = false
			continue
		case inComment:
			continue
		}

		switch tokens[0] {
		case "table":
			if len(tokens) < 3 {
				continue
			}
			flush()
			current = tokens[2]
			def = TableDef{Delimiter: DefaultDelimiter}
			open = true

		case "field":
			if !open || len(tokens) < 4 {
				continue
			}
			def.Columns = append(def.Columns, tokens[2])
			def.Types = append(def.Types, NormalizeType(tokens[3]))
			if len(tokens) >= 6 && tokens[4] == "delim" {
				if d, ok := parseDelim(tokens[5]); ok {
					def.Delimiter = d
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return defs, nil
}

// parseDelim reads a delimiter token: a bare character, or a quoted one
// that may use a Go escape such as '\t'.
func parseDelim(tok string) (rune, bool) {
	if len(tok) >= 3 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		tok = tok[1 : len(tok)-1]
		if strings.HasPrefix(tok, `\`) {
			if r, _, tail, err := strconv.UnquoteChar(tok, '\''); err == nil && tail == "" {
				return r, true
			}
		}
	}
	for _, r := range tok {
		return r, true
	}
	return 0, false
}

// Write serializes defs back into descriptor syntax. Parsing the output
// yields the same names, columns, types and delimiters.
func Write(w io.Writer, defs *Definitions) error {
	bw := bufio.NewWriter(w)
	for i, name := range defs.Names() {
		def, _ := defs.Get(name)
		fmt.Fprintf(bw, "table %d %s\n", i+1, name)
		for j, col := range def.Columns {
			fmt.Fprintf(bw, "field %d %s %s", j+1, col, def.Types[j])
			if def.Delimiter != DefaultDelimiter {
				fmt.Fprintf(bw, " delim %s", formatDelim(def.Delimiter))
			}
			fmt.Fprintln(bw)
		}
	}
	return bw.Flush()
}

// formatDelim renders d so that parseDelim reads it back. Descriptor lines
// are split on whitespace, so blank delimiters are written as escapes.
func formatDelim(d rune) string {
	switch {
	case d == '\t':
		return `'\t'`
	case unicode.IsSpace(d) || !unicode.IsPrint(d):
		return fmt.Sprintf(`'\u%04x'`, d)
	}
	return string(d)
}
