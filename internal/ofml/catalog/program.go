package catalog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/cfgfile"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// Program is one product line of a manufacturer catalog.
type Program struct {
	Name         string
	Manufacturer string
	Region       string
	// RegistryName is the registry file stem the program was loaded from.
	RegistryName string
	Registry     *cfgfile.File
	// Dir is the program directory below the manufacturer directory.
	Dir string

	root      string
	languages []string
	encoding  encoding.Encoding
	logger    *zap.Logger
	paths     [ofml.NumKinds]string

	mu    sync.RWMutex
	parts map[ofml.Kind]ofml.Result[*Part]
}

func newProgram(name, registryName string, reg *cfgfile.File, r *Repository) *Program {
	dir := name
	if v, ok := reg.Get("program"); ok && v != "" {
		dir = v
	}

	p := &Program{
		Name:         name,
		Manufacturer: r.Manufacturer,
		Region:       r.opts.Region,
		RegistryName: registryName,
		Registry:     reg,
		Dir:          dir,
		root:         r.Root,
		languages:    r.opts.Languages,
		encoding:     r.opts.Encoding,
		logger:       r.logger.With(zap.String("program", name)),
		parts:        make(map[ofml.Kind]ofml.Result[*Part]),
	}
	for _, k := range ofml.Kinds {
		p.paths[k] = specs[k].path(p)
	}
	return p
}

// RelPath is the program location relative to the repository root.
func (p *Program) RelPath() string {
	return p.Manufacturer + "/" + p.Dir
}

// Path returns the directory a part lives in, whether or not the program
// declares it.
func (p *Program) Path(k ofml.Kind) string {
	if !k.Valid() {
		return ""
	}
	return p.paths[k]
}

// Declares reports whether the catalog says this program has part k. The
// answer comes from the registry and filesystem only and is unaffected by
// LoadPart.
func (p *Program) Declares(k ofml.Kind) bool {
	if !k.Valid() {
		return false
	}
	return specs[k].declares(p)
}

// DeclaredKinds lists the kinds Declares reports true for.
func (p *Program) DeclaredKinds() []ofml.Kind {
	var out []ofml.Kind
	for _, k := range ofml.Kinds {
		if p.Declares(k) {
			out = append(out, k)
		}
	}
	return out
}

// Loaded reports whether the last LoadPart for k succeeded.
func (p *Program) Loaded(k ofml.Kind) bool {
	res, ok := p.Part(k)
	return ok && res.Available()
}

// Part returns the result of the last LoadPart for k. The boolean is false
// if k was never loaded.
func (p *Program) Part(k ofml.Kind) (ofml.Result[*Part], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, ok := p.parts[k]
	return res, ok
}

// LoadPart reads the table layout for part k and attaches a fresh Part,
// replacing any earlier one. Table data is not read.
func (p *Program) LoadPart(k ofml.Kind) ofml.Result[*Part] {
	var res ofml.Result[*Part]
	switch {
	case !k.Valid():
		res = ofml.Unavailable[*Part](fmt.Errorf("invalid part kind %d", int(k)))
	case !p.Declares(k):
		res = ofml.Unavailable[*Part](fmt.Errorf("%w: %s does not declare %s", ErrNotDeclared, p.Name, k))
	default:
		dir := p.paths[k]
		defsRes := specs[k].definitions(p, dir)
		if defs, ok := defsRes.Get(); ok {
			res = ofml.Ok(newPart(k, p, dir, defs))
		} else {
			res = ofml.Unavailable[*Part](fmt.Errorf("%s %s: %w", p.Name, k, defsRes.Err()))
		}
	}

	p.mu.Lock()
	p.parts[k] = res
	p.mu.Unlock()
	return res
}

// LoadParts loads every declared part and returns the ones that succeeded.
func (p *Program) LoadParts() []*Part {
	var out []*Part
	for _, k := range p.DeclaredKinds() {
		res := p.LoadPart(k)
		if part, ok := res.Get(); ok {
			out = append(out, part)
		} else {
			p.logger.Warn("part not available", zap.Stringer("part", k), zap.Error(res.Err()))
		}
	}
	return out
}

// Parts returns the successfully loaded parts in kind order.
func (p *Program) Parts() []*Part {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Part
	for _, k := range ofml.Kinds {
		if part, ok := p.parts[k].Get(); ok {
			out = append(out, part)
		}
	}
	return out
}

// Tables collects every materialized table of every loaded part.
func (p *Program) Tables() []*table.Table {
	var out []*table.Table
	for _, part := range p.Parts() {
		out = append(out, part.Tables()...)
	}
	return out
}
