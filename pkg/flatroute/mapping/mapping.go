package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cognicore/flatroute/pkg/flatroute/classify"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

// Error reports a line that does not fit its schema's field layout.
type Error struct {
	Position string
	Tag      record.SchemaTag
	Field    string // empty when the line as a whole is malformed
	Err      error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("map %s as %s: %v", e.Position, e.Tag, e.Err)
	}
	return fmt.Sprintf("map %s as %s: field %s: %v", e.Position, e.Tag, e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Mapper binds a raw line to one typed record shape.
type Mapper interface {
	Tag() record.SchemaTag
	Map(line record.RawLine) (record.Record, error)
}

// Layouts of the two demonstrated schemas.
var (
	CustomerLayout = []string{"id", "firstName", "lastName", "email"}
	ProductLayout  = []string{"id", "name", "description", "price"}
)

type customerMapper struct {
	tok *Tokenizer
}

// CustomerMapper maps id,firstName,lastName,email lines.
func CustomerMapper() Mapper {
	return &customerMapper{tok: NewTokenizer(',', CustomerLayout)}
}

func (m *customerMapper) Tag() record.SchemaTag { return record.TagCustomer }

func (m *customerMapper) Map(line record.RawLine) (record.Record, error) {
	fs, err := m.tok.Tokenize(line.Text)
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: record.TagCustomer, Err: err}
	}
	id, err := parseID(fs.Get("id"))
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: record.TagCustomer, Field: "id", Err: err}
	}
	email := fs.Get("email")
	if !classify.IsEmail(email) {
		return nil, &Error{Position: line.Position(), Tag: record.TagCustomer, Field: "email", Err: fmt.Errorf("invalid address %q", email)}
	}
	return &record.Customer{
		ID:        id,
		FirstName: fs.Get("firstName"),
		LastName:  fs.Get("lastName"),
		Email:     email,
	}, nil
}

type productMapper struct {
	tok *Tokenizer
}

// ProductMapper maps id,name,description,price lines.
func ProductMapper() Mapper {
	return &productMapper{tok: NewTokenizer(',', ProductLayout)}
}

func (m *productMapper) Tag() record.SchemaTag { return record.TagProduct }

func (m *productMapper) Map(line record.RawLine) (record.Record, error) {
	fs, err := m.tok.Tokenize(line.Text)
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: record.TagProduct, Err: err}
	}
	id, err := parseID(fs.Get("id"))
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: record.TagProduct, Field: "id", Err: err}
	}
	cents, err := ParseCents(fs.Get("price"))
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: record.TagProduct, Field: "price", Err: err}
	}
	return &record.Product{
		ID:          id,
		Name:        fs.Get("name"),
		Description: fs.Get("description"),
		PriceCents:  cents,
	}, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if id < 0 {
		return 0, fmt.Errorf("negative id %d", id)
	}
	return id, nil
}

var errPrice = errors.New("not a decimal with at most two fraction digits")

// MaxPriceCents is the largest price a DECIMAL(10,2) column holds.
const MaxPriceCents = 99999999_99

// ParseCents parses a non-negative decimal such as "999", "79.5" or "2499.99"
// into cents. Prices above MaxPriceCents are rejected.
func ParseCents(s string) (int64, error) {
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || !digitsOnly(whole) {
		return 0, fmt.Errorf("%w: %q", errPrice, s)
	}
	if hasFrac && (frac == "" || len(frac) > 2 || !digitsOnly(frac)) {
		return 0, fmt.Errorf("%w: %q", errPrice, s)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errPrice, s)
	}
	if units > MaxPriceCents/100 {
		return 0, fmt.Errorf("price %q exceeds %d.%02d", s, MaxPriceCents/100, MaxPriceCents%100)
	}
	var cents int64
	switch len(frac) {
	case 1:
		cents = int64(frac[0]-'0') * 10
	case 2:
		cents = int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	}
	return units*100 + cents, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Registry holds one mapper per schema tag.
type Registry struct {
	mappers map[record.SchemaTag]Mapper
}

// NewRegistry returns a registry covering every known tag.
func NewRegistry() *Registry {
	r := &Registry{mappers: make(map[record.SchemaTag]Mapper, len(record.Tags()))}
	for _, m := range []Mapper{CustomerMapper(), ProductMapper()} {
		r.mappers[m.Tag()] = m
	}
	return r
}

// Lookup returns the mapper for tag.
func (r *Registry) Lookup(tag record.SchemaTag) (Mapper, error) {
	m, ok := r.mappers[tag]
	if !ok {
		return nil, fmt.Errorf("no mapper for schema %q", tag)
	}
	return m, nil
}

// Map binds line using the mapper registered for tag.
func (r *Registry) Map(tag record.SchemaTag, line record.RawLine) (record.Record, error) {
	m, err := r.Lookup(tag)
	if err != nil {
		return nil, &Error{Position: line.Position(), Tag: tag, Err: err}
	}
	return m.Map(line)
}
