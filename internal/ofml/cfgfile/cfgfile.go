// Package cfgfile reads the section/key=value text format used by OFML
// profile and registry files.
//
// Files are Windows-1252 encoded. Blank lines and lines starting with '#'
// are skipped, a bracketed line opens a section, and every line containing
// '=' is split on its first '='. There is no escaping and no continuation.
package cfgfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/steveyegge/ofmlsync/internal/ofml"
)

// Section is an ordered key/value block.
type Section struct {
	// Name is the literal header line, brackets included (e.g. "[lib:kn]").
	// The top-level section has an empty name.
	Name   string
	keys   []string
	values map[string]string
}

func newSection(name string) *Section {
	return &Section{Name: name, values: make(map[string]string)}
}

func (s *Section) set(key, value string) {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get returns the value stored for key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present, regardless of its value.
func (s *Section) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the keys in file order.
func (s *Section) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of keys.
func (s *Section) Len() int { return len(s.keys) }

// File is a parsed profile or registry file.
type File struct {
	Path    string
	ModTime time.Time
	ReadAt  time.Time

	top      *Section
	sections []*Section
	index    map[string]*Section
}

// Get looks up a top-level key.
func (f *File) Get(key string) (string, bool) { return f.top.Get(key) }

// Has reports whether a top-level key exists.
func (f *File) Has(key string) bool { return f.top.Has(key) }

// Section returns the section with the given header. Both "lib:kn" and
// "[lib:kn]" are accepted.
func (f *File) Section(name string) (*Section, bool) {
	if !strings.HasPrefix(name, "[") {
		name = "[" + name + "]"
	}
	s, ok := f.index[name]
	return s, ok
}

// Sections returns all bracketed sections in file order.
func (f *File) Sections() []*Section {
	out := make([]*Section, len(f.sections))
	copy(out, f.sections)
	return out
}

// Read parses the file at path. IO failures are reported as an unavailable
// result rather than an error.
func Read(path string) ofml.Result[*File] {
	fh, err := os.Open(path)
	if err != nil {
		return ofml.Unavailable[*File](err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return ofml.Unavailable[*File](err)
	}

	f, err := Parse(charmap.Windows1252.NewDecoder().Reader(fh))
	if err != nil {
		return ofml.Unavailable[*File](fmt.Errorf("parse %s: %w", path, err))
	}
	f.Path = path
	f.ModTime = info.ModTime()
	return ofml.Ok(f)
}

// Parse reads already-decoded text.
func Parse(r io.Reader) (*File, error) {
	f := &File{
		top:    newSection(""),
		index:  make(map[string]*Section),
		ReadAt: time.Now(),
	}
	current := f.top

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if isHeader(line) {
			s, ok := f.index[line]
			if !ok {
				s = newSection(line)
				f.index[line] = s
				f.sections = append(f.sections, s)
			}
			current = s
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		current.set(key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func isHeader(line string) bool {
	return len(line) > 2 && line[0] == '[' && line[len(line)-1] == ']'
}
