package table

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/schema"
)

// Quoting selects how double quotes in a data file are treated.
type Quoting int

const (
	// QuoteMinimal strips quotes around a field that starts with '"' and
	// unescapes doubled quotes inside it.
	QuoteMinimal Quoting = iota
	// QuoteNone keeps every byte between delimiters verbatim.
	QuoteNone
)

// literalQuoteTables carry OFML expressions whose quotes are part of the
// payload.
var literalQuoteTables = map[string]bool{
	"funcs": true,
	"odb2d": true,
	"odb3d": true,
}

// PolicyFor returns the quoting policy for a data file.
func PolicyFor(filename string) Quoting {
	if literalQuoteTables[LogicalName(filename)] {
		return QuoteNone
	}
	return QuoteMinimal
}

var (
	// ErrCoercion is wrapped by every cell type conversion failure.
	ErrCoercion = errors.New("type coercion failed")
	// ErrUnterminatedQuote means a quoted field was still open at the end
	// of the file.
	ErrUnterminatedQuote = errors.New("unterminated quoted field")
)

// Options controls a single Load call.
type Options struct {
	Kind ofml.Kind
	// Encoding defaults to Windows-1252.
	Encoding encoding.Encoding
	Quoting  Quoting
	// Logger receives warnings about skipped rows. Nil discards them.
	Logger *zap.Logger
}

// Load reads the headerless file at path using def for column names, types
// and delimiter. It never returns a bare error: a missing file, an IO
// failure or a cell that cannot be coerced produces an unavailable result.
func Load(path string, def schema.TableDef, opts Options) ofml.Result[*Table] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	enc := opts.Encoding
	if enc == nil {
		enc = charmap.Windows1252
	}
	delim := def.Delimiter
	if delim == 0 {
		delim = schema.DefaultDelimiter
	}

	fh, err := os.Open(path)
	if err != nil {
		return ofml.Unavailable[*Table](err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return ofml.Unavailable[*Table](err)
	}

	t := &Table{
		Filename:   filepath.Base(path),
		Path:       path,
		Kind:       opts.Kind,
		Columns:    append([]string(nil), def.Columns...),
		Types:      make([]ColumnType, len(def.Columns)),
		ReadAt:     time.Now(),
		ModifiedAt: info.ModTime(),
	}
	for i, typ := range def.Types {
		t.Types[i] = TypeFor(typ)
	}

	scanner := bufio.NewScanner(enc.NewDecoder().Reader(fh))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sp := newSplitter(delim, opts.Quoting)
	lineNo, recordLine := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if !sp.open() {
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			recordLine = lineNo
		}

		fields, complete := sp.feed(line)
		if !complete {
			continue
		}

		// A trailing delimiter produces one empty extra field.
		if n := len(fields); n == len(t.Columns)+1 && strings.TrimSpace(fields[n-1]) == "" {
			fields = fields[:n-1]
		}
		if len(fields) > len(t.Columns) {
			t.Skipped++
			logger.Warn("skipping malformed row",
				zap.String("file", path),
				zap.Int("line", recordLine),
				zap.Int("fields", len(fields)),
				zap.Int("expected", len(t.Columns)))
			continue
		}

		row := make([]any, len(t.Columns))
		for i := range t.Columns {
			if i >= len(fields) {
				continue
			}
			v, err := coerce(fields[i], t.Types[i])
			if err != nil {
				return ofml.Unavailable[*Table](fmt.Errorf("%s line %d column %s: %w",
					path, recordLine, t.Columns[i], err))
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return ofml.Unavailable[*Table](fmt.Errorf("read %s: %w", path, err))
	}
	if sp.open() {
		return ofml.Unavailable[*Table](fmt.Errorf("%s line %d: %w", path, recordLine, ErrUnterminatedQuote))
	}

	return ofml.Ok(t)
}

func coerce(cell string, typ ColumnType) (any, error) {
	cell = strings.TrimSpace(cell)
	if typ == String {
		return cell, nil
	}
	if cell == "" {
		return nil, nil
	}

	switch typ {
	case Int:
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int", ErrCoercion, cell)
		}
		return v, nil
	case Float:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrCoercion, cell)
		}
		return v, nil
	case Bool:
		v, err := strconv.ParseBool(cell)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrCoercion, cell)
		}
		return v, nil
	}
	return cell, nil
}

// splitter cuts records into fields one physical line at a time. A quoted
// field that is still open at the end of a line continues on the next one,
// joined by '\n'; the parse state is kept so no line is scanned twice.
type splitter struct {
	delim   rune
	quoting Quoting

	fields  []string
	b       strings.Builder
	quoted  bool
	atStart bool
	pending bool
}

func newSplitter(delim rune, quoting Quoting) *splitter {
	return &splitter{delim: delim, quoting: quoting, atStart: true}
}

// open reports whether a record is waiting for its closing quote.
func (s *splitter) open() bool { return s.pending }

// feed consumes one line. It returns the record's fields once the record
// is complete.
func (s *splitter) feed(line string) ([]string, bool) {
	if s.quoting == QuoteNone {
		return strings.Split(line, string(s.delim)), true
	}

	if s.pending {
		s.b.WriteByte('\n')
	}
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case s.quoted:
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					s.b.WriteRune('"')
					i++
					continue
				}
				s.quoted = false
				continue
			}
			s.b.WriteRune(r)
		case r == s.delim:
			s.fields = append(s.fields, s.b.String())
			s.b.Reset()
			s.atStart = true
			continue
		case r == '"' && s.atStart:
			s.quoted = true
		default:
			s.b.WriteRune(r)
		}
		s.atStart = false
	}

	if s.quoted {
		s.pending = true
		return nil, false
	}
	fields := append(s.fields, s.b.String())
	s.fields = nil
	s.b.Reset()
	s.atStart = true
	s.pending = false
	return fields, true
}
