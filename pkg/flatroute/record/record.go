package record

import (
	"fmt"
	"strconv"
	"time"
)

// SchemaTag identifies which destination schema a record belongs to.
type SchemaTag string

const (
	TagCustomer SchemaTag = "customer"
	TagProduct  SchemaTag = "product"
)

// Tags returns every known schema tag in declaration order.
func Tags() []SchemaTag {
	return []SchemaTag{TagCustomer, TagProduct}
}

// Valid reports whether the tag is one of the known schemas.
func (t SchemaTag) Valid() bool {
	switch t {
	case TagCustomer, TagProduct:
		return true
	}
	return false
}

// RawLine is one line of source text with its position.
type RawLine struct {
	Source string
	Number int // 1-based
	Text   string
}

// Position renders source:line for diagnostics.
func (l RawLine) Position() string {
	return fmt.Sprintf("%s:%d", l.Source, l.Number)
}

// Record is a typed record bound for exactly one destination schema.
// The set of implementations is closed: Customer and Product.
type Record interface {
	Tag() SchemaTag
	Key() int64
	EnrichedAt() *time.Time

	stamped(t time.Time) Record
}

// Customer is a row of the customers table.
type Customer struct {
	ID          int64
	FirstName   string
	LastName    string
	Email       string
	ProcessedAt *time.Time
}

func (c *Customer) Tag() SchemaTag         { return TagCustomer }
func (c *Customer) Key() int64             { return c.ID }
func (c *Customer) EnrichedAt() *time.Time { return c.ProcessedAt }

func (c *Customer) stamped(t time.Time) Record {
	cp := *c
	cp.ProcessedAt = &t
	return &cp
}

// Product is a row of the products table. Prices are held in cents.
type Product struct {
	ID          int64
	Name        string
	Description string
	PriceCents  int64
	ProcessedAt *time.Time
}

func (p *Product) Tag() SchemaTag         { return TagProduct }
func (p *Product) Key() int64             { return p.ID }
func (p *Product) EnrichedAt() *time.Time { return p.ProcessedAt }

func (p *Product) stamped(t time.Time) Record {
	cp := *p
	cp.ProcessedAt = &t
	return &cp
}

// Price renders the price as a decimal string with two fraction digits.
func (p *Product) Price() string {
	sign := ""
	cents := p.PriceCents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}

// Stamp returns a copy of r carrying the enrichment time t.
// The original record is left untouched.
func Stamp(r Record, t time.Time) Record {
	return r.stamped(t)
}
