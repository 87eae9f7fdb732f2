package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resource is a finite body of line-delimited text.
type Resource interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type file string

// File returns a Resource backed by a local file.
func File(path string) Resource { return file(path) }

func (f file) Name() string                 { return string(f) }
func (f file) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

type text struct {
	name string
	body string
}

// Text returns a Resource serving body from memory.
func Text(name, body string) Resource { return text{name: name, body: body} }

func (t text) Name() string                 { return t.name }
func (t text) Open() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(t.body)), nil }

// Warning is a non-fatal problem found while resolving or reading sources.
type Warning struct {
	Source string
	Err    error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Source, w.Err)
}

// UnavailableError reports a declared source that could not be opened.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

var errNoMatch = errors.New("pattern matched no files")

// Resolve expands patterns into resources in declaration order. Matches of a
// single pattern are sorted; a path matched twice is kept at its first
// position. Patterns that match nothing produce a warning, or an
// UnavailableError when strict is set.
func Resolve(patterns []string, strict bool) ([]Resource, []Warning, error) {
	var (
		out   []Resource
		warns []Warning
		seen  = make(map[string]struct{})
	)
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, warns, fmt.Errorf("resolve %q: %w", p, err)
		}
		if len(matches) == 0 {
			if strict {
				return nil, warns, &UnavailableError{Source: p, Err: errNoMatch}
			}
			warns = append(warns, Warning{Source: p, Err: errNoMatch})
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, File(m))
		}
	}
	return out, warns, nil
}
