package catalog

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/schema"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// Part is one loaded sub-format of a program.
type Part struct {
	Kind    ofml.Kind
	Program string
	Dir     string

	defs     *schema.Definitions
	encoding encoding.Encoding
	logger   *zap.Logger

	mu     sync.RWMutex
	tables map[string]ofml.Result[*table.Table]
}

func newPart(k ofml.Kind, p *Program, dir string, defs *schema.Definitions) *Part {
	return &Part{
		Kind:     k,
		Program:  p.Name,
		Dir:      dir,
		defs:     defs,
		encoding: p.encoding,
		logger:   p.logger.With(zap.Stringer("part", k)),
		tables:   make(map[string]ofml.Result[*table.Table]),
	}
}

// Name is the part kind as a string.
func (pt *Part) Name() string { return pt.Kind.String() }

// Filenames lists the data files of this part in definition order.
func (pt *Part) Filenames() []string { return pt.defs.Names() }

// Definition returns the layout of one data file.
func (pt *Part) Definition(filename string) (schema.TableDef, bool) {
	return pt.defs.Get(filename)
}

// Knows reports whether filename belongs to this part.
func (pt *Part) Knows(filename string) bool {
	_, ok := pt.defs.Get(filename)
	return ok
}

// ReadTable loads one data file and stores the result under its logical
// name, replacing any previous entry.
func (pt *Part) ReadTable(filename string) ofml.Result[*table.Table] {
	def, ok := pt.defs.Get(filename)
	if !ok {
		return ofml.Unavailable[*table.Table](fmt.Errorf("%w: %s in %s/%s", ErrUnknownTable, filename, pt.Program, pt.Kind))
	}

	res := table.Load(filepath.Join(pt.Dir, filename), def, table.Options{
		Kind:     pt.Kind,
		Encoding: pt.encoding,
		Quoting:  table.PolicyFor(filename),
		Logger:   pt.logger,
	})

	pt.mu.Lock()
	pt.tables[table.LogicalName(filename)] = res
	pt.mu.Unlock()
	return res
}

// ReadAll reads every data file sequentially.
func (pt *Part) ReadAll() {
	for _, name := range pt.Filenames() {
		pt.ReadTable(name)
	}
}

// Table returns the stored result for a logical table name.
func (pt *Part) Table(logical string) (ofml.Result[*table.Table], bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	res, ok := pt.tables[logical]
	return res, ok
}

// Tables returns the materialized tables in definition order, leaving out
// anything that failed to load.
func (pt *Part) Tables() []*table.Table {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var out []*table.Table
	for _, name := range pt.defs.Names() {
		if t, ok := pt.tables[table.LogicalName(name)].Get(); ok {
			out = append(out, t)
		}
	}
	return out
}

// Failures maps logical names to the reason they could not be read.
func (pt *Part) Failures() map[string]error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make(map[string]error)
	for name, res := range pt.tables {
		if !res.Available() {
			out[name] = res.Err()
		}
	}
	return out
}
