package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/schema"
)

// partSpec is everything the catalog knows about one part kind.
type partSpec struct {
	// declares reports whether the registry/filesystem says the program
	// has this part. It must not depend on load state.
	declares func(p *Program) bool
	// path resolves the part directory.
	path func(p *Program) string
	// definitions produces the table layout for a part directory.
	definitions func(p *Program, dir string) ofml.Result[*schema.Definitions]
}

var specs = [ofml.NumKinds]partSpec{
	ofml.OCD: {
		declares:    hasKeys("productdb_path"),
		path:        registryPath("productdb_path"),
		definitions: descriptor("pdata.inp_descr"),
	},
	ofml.OAM: {
		declares:    hasKeys("oam_path"),
		path:        registryPath("oam_path"),
		definitions: descriptor("oam.inp_descr"),
	},
	ofml.GO: {
		declares:    hasKeys("series_type", "meta_type"),
		path:        programPath("2"),
		definitions: goDefinitions,
	},
	ofml.OAP: {
		declares:    dirExists(ofml.OAP),
		path:        regionPath("2", "oap"),
		definitions: descriptor("oap.inp_descr"),
	},
	ofml.OAS: {
		declares: func(p *Program) bool {
			v, _ := p.Registry.Get("cat_type")
			return p.Registry.Has("type") && v == "XCF"
		},
		path:        regionPath("2", "cat"),
		definitions: fixedDefinitions(oasLayout),
	},
	ofml.ODB: {
		declares:    dirExists(ofml.ODB),
		path:        programPath("2"),
		definitions: descriptor("odb.inp_descr"),
	},
}

// DescriptorFile returns the descriptor name a part kind is read from, or ""
// for kinds with a fixed layout.
func DescriptorFile(k ofml.Kind) string {
	switch k {
	case ofml.OCD:
		return "pdata.inp_descr"
	case ofml.OAM:
		return "oam.inp_descr"
	case ofml.GO:
		return "mt.inp_descr"
	case ofml.OAP:
		return "oap.inp_descr"
	case ofml.ODB:
		return "odb.inp_descr"
	default:
		return ""
	}
}

func hasKeys(keys ...string) func(*Program) bool {
	return func(p *Program) bool {
		for _, k := range keys {
			if !p.Registry.Has(k) {
				return false
			}
		}
		return true
	}
}

func dirExists(k ofml.Kind) func(*Program) bool {
	return func(p *Program) bool {
		info, err := os.Stat(p.Path(k))
		return err == nil && info.IsDir()
	}
}

// registryPath resolves a root-relative path stored in the registry.
// Registries written on Windows use backslashes.
func registryPath(key string) func(*Program) string {
	return func(p *Program) string {
		v, ok := p.Registry.Get(key)
		if !ok {
			return ""
		}
		v = strings.ReplaceAll(v, `\`, "/")
		return filepath.Join(p.root, filepath.FromSlash(v))
	}
}

func programPath(elem ...string) func(*Program) string {
	return func(p *Program) string {
		parts := append([]string{p.root, p.Manufacturer, p.Dir}, elem...)
		return filepath.Join(parts...)
	}
}

func regionPath(elem ...string) func(*Program) string {
	return func(p *Program) string {
		parts := append([]string{p.root, p.Manufacturer, p.Dir, p.Region}, elem...)
		return filepath.Join(parts...)
	}
}

func descriptor(name string) func(*Program, string) ofml.Result[*schema.Definitions] {
	return func(_ *Program, dir string) ofml.Result[*schema.Definitions] {
		return schema.ReadDescriptor(filepath.Join(dir, name))
	}
}

// goDefinitions reads mt.inp_descr and adds one key/value string table per
// language. The language files are not listed in the descriptor.
func goDefinitions(p *Program, dir string) ofml.Result[*schema.Definitions] {
	res := schema.ReadDescriptor(filepath.Join(dir, DescriptorFile(ofml.GO)))
	defs, ok := res.Get()
	if !ok {
		return res
	}
	for _, lang := range p.languages {
		defs.Set(p.Dir+"_"+lang+".sr", schema.TableDef{
			Columns:   []string{"key", "value"},
			Types:     []string{schema.StringType, schema.StringType},
			Delimiter: '=',
		})
	}
	return ofml.Ok(defs)
}

var oasLayout = map[string][]string{
	"article.csv":   {"name", "type", "param3", "param4", "param5", "param6", "program"},
	"resource.csv":  {"name", "type", "param3", "param4", "resource_path"},
	"structure.csv": {"name", "type", "param3", "param4", "param5"},
	"text.csv":      {"name", "type", "language", "text"},
}

var oasOrder = []string{"article.csv", "resource.csv", "structure.csv", "text.csv"}

func fixedDefinitions(layout map[string][]string) func(*Program, string) ofml.Result[*schema.Definitions] {
	return func(*Program, string) ofml.Result[*schema.Definitions] {
		defs := schema.NewDefinitions()
		for _, name := range oasOrder {
			cols := layout[name]
			types := make([]string, len(cols))
			for i := range types {
				types[i] = schema.StringType
			}
			defs.Set(name, schema.TableDef{
				Columns:   append([]string(nil), cols...),
				Types:     types,
				Delimiter: schema.DefaultDelimiter,
			})
		}
		return ofml.Ok(defs)
	}
}
