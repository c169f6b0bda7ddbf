// Package catalog models an OFML catalog as a Repository of Programs, each
// made of typed Parts whose data files load into tables.
//
// Every step that touches the filesystem returns an ofml.Result, so a
// missing registry, descriptor or data file is carried as a value and never
// stops sibling programs, parts or tables from loading.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/cfgfile"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

var (
	// ErrNotDeclared is returned when loading a part the program lacks.
	ErrNotDeclared = errors.New("part not declared")
	// ErrUnknownTable is returned for data files missing from the schema.
	ErrUnknownTable = errors.New("table not in schema")
	// ErrNoManufacturerSection is returned when the profile lacks [lib:<mfr>].
	ErrNoManufacturerSection = errors.New("profile has no manufacturer section")
)

// DefaultLanguages are the language string tables added to the go part.
var DefaultLanguages = []string{"de", "en", "fr", "nl"}

// DefaultRegion is the region directory used for oap and oas.
const DefaultRegion = "DE"

// Options tunes how a Repository resolves and reads its programs.
type Options struct {
	Region    string
	Languages []string
	// Encoding of data files. Nil means Windows-1252.
	Encoding encoding.Encoding
	Logger   *zap.Logger
}

// Repository is the root of one manufacturer's catalog.
type Repository struct {
	Root         string
	Manufacturer string

	opts   Options
	logger *zap.Logger

	mu         sync.RWMutex
	profile    *ofml.Result[*cfgfile.File]
	registries map[string]string
	programs   map[string]*Program
}

// NewRepository returns a repository rooted at root. Nothing is read until
// ReadProfile or LoadProgram is called.
func NewRepository(root, manufacturer string, opts Options) *Repository {
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if len(opts.Languages) == 0 {
		opts.Languages = DefaultLanguages
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		Root:         root,
		Manufacturer: manufacturer,
		opts:         opts,
		logger:       logger.With(zap.String("manufacturer", manufacturer)),
		registries:   make(map[string]string),
		programs:     make(map[string]*Program),
	}
}

// ProfilePath is <root>/profiles/<manufacturer>.cfg.
func (r *Repository) ProfilePath() string {
	return filepath.Join(r.Root, "profiles", r.Manufacturer+".cfg")
}

// RegistryPath is <root>/registry/<name>.cfg.
func (r *Repository) RegistryPath(name string) string {
	return filepath.Join(r.Root, "registry", name+".cfg")
}

// ReadProfile parses the manufacturer profile. The result is cached.
func (r *Repository) ReadProfile() ofml.Result[*cfgfile.File] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.profile == nil {
		res := cfgfile.Read(r.ProfilePath())
		r.profile = &res
	}
	return *r.profile
}

// ProgramNames returns the active programs listed in the profile section
// [lib:<manufacturer>], in profile order.
func (r *Repository) ProgramNames() ([]string, error) {
	res := r.ReadProfile()
	profile, ok := res.Get()
	if !ok {
		return nil, res.Err()
	}
	section, ok := profile.Section("lib:" + r.Manufacturer)
	if !ok {
		return nil, fmt.Errorf("%w: [lib:%s] in %s", ErrNoManufacturerSection, r.Manufacturer, profile.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	seen := make(map[string]bool)
	for _, key := range section.Keys() {
		value, _ := section.Get(key)
		if !active(value) {
			continue
		}
		name := ProgramName(key, r.Manufacturer)
		if name == "" {
			r.logger.Debug("profile key does not name a program", zap.String("key", key))
			continue
		}
		if seen[name] {
			r.logger.Warn("duplicate program in profile",
				zap.String("program", name), zap.String("kept", r.registries[name]), zap.String("ignored", key))
			continue
		}
		seen[name] = true
		names = append(names, name)
		r.registries[name] = key
	}
	return names, nil
}

func active(value string) bool {
	v := strings.TrimSpace(value)
	return v != "" && v != "0"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ProgramName derives a program name from a profile key. Two layouts are
// recognized, keyed on the position of the manufacturer token:
//
//	<mfr>_<program>_<region>_<version>   kn_talos_de_1  -> talos
//	<program>_<version>_<mfr>_<region>   demo_1_kn_de   -> demo
//
// Keys that fit neither layout yield "".
func ProgramName(key, manufacturer string) string {
	tokens := strings.Split(key, "_")
	idx := -1
	for i, tok := range tokens {
		if strings.EqualFold(tok, manufacturer) {
			idx = i
			break
		}
	}

	switch {
	case idx == 0 && len(tokens) > 3:
		return strings.Join(tokens[1:len(tokens)-2], "_")
	case idx >= 2:
		return strings.Join(tokens[:idx-1], "_")
	default:
		return ""
	}
}

// RegistryName returns the profile key a program was listed under, if the
// profile has been read.
func (r *Repository) RegistryName(program string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.registries[program]
	return key, ok
}

// LoadProgram parses the registry for name and stores the new Program,
// replacing any earlier instance. The registry is looked up under the
// profile key first and under the program name second.
func (r *Repository) LoadProgram(name string) ofml.Result[*Program] {
	key, ok := r.RegistryName(name)
	if !ok {
		// The profile may not have been read yet; a missing profile only
		// means the program name is tried on its own.
		_, _ = r.ProgramNames()
		key, ok = r.RegistryName(name)
	}

	var candidates []string
	if ok {
		candidates = append(candidates, key)
	}
	if !contains(candidates, name) {
		candidates = append(candidates, name)
	}

	var lastErr error
	for _, c := range candidates {
		res := cfgfile.Read(r.RegistryPath(c))
		reg, ok := res.Get()
		if !ok {
			lastErr = res.Err()
			continue
		}
		p := newProgram(name, c, reg, r)
		r.mu.Lock()
		r.programs[name] = p
		r.mu.Unlock()
		return ofml.Ok(p)
	}
	return ofml.Unavailable[*Program](fmt.Errorf("registry for %s: %w", name, lastErr))
}

// Program returns a previously loaded program.
func (r *Repository) Program(name string) (*Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

// Programs returns the loaded programs sorted by name.
func (r *Repository) Programs() []*Program {
	r.mu.RLock()
	out := make([]*Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Forget drops a loaded program so its tables can be collected.
func (r *Repository) Forget(name string) {
	r.mu.Lock()
	delete(r.programs, name)
	r.mu.Unlock()
}

// Tables returns every materialized table of every loaded program.
func (r *Repository) Tables() []*table.Table {
	var out []*table.Table
	for _, p := range r.Programs() {
		out = append(out, p.Tables()...)
	}
	return out
}
