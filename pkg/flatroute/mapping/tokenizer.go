package mapping

import (
	"fmt"
	"strings"
)

// Tokenizer splits a delimited line into named fields.
// There is no quoting or escaping: the delimiter always separates fields.
type Tokenizer struct {
	delimiter string
	names     []string
	trim      bool
}

// NewTokenizer creates a tokenizer for the given ordered field names.
func NewTokenizer(delimiter rune, names []string) *Tokenizer {
	return &Tokenizer{
		delimiter: string(delimiter),
		names:     append([]string(nil), names...),
		trim:      true,
	}
}

// Names returns the field layout.
func (t *Tokenizer) Names() []string {
	return append([]string(nil), t.names...)
}

// FieldSet holds the tokens of one line keyed by field name.
type FieldSet struct {
	names  []string
	values map[string]string
}

// Get returns the raw value for a field name.
func (fs FieldSet) Get(name string) string {
	return fs.values[name]
}

// Tokenize splits text according to the layout. The field count must match
// exactly.
func (t *Tokenizer) Tokenize(text string) (FieldSet, error) {
	parts := strings.Split(text, t.delimiter)
	if len(parts) < len(t.names) {
		return FieldSet{}, fmt.Errorf("got %d fields, layout %s needs %d", len(parts), strings.Join(t.names, t.delimiter), len(t.names))
	}
	if len(parts) > len(t.names) {
		return FieldSet{}, fmt.Errorf("got %d fields, layout %s allows %d", len(parts), strings.Join(t.names, t.delimiter), len(t.names))
	}

	fs := FieldSet{names: t.names, values: make(map[string]string, len(t.names))}
	for i, name := range t.names {
		v := parts[i]
		if t.trim {
			v = strings.TrimSpace(v)
		}
		fs.values[name] = v
	}
	return fs, nil
}
