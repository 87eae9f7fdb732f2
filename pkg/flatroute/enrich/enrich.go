package enrich

import (
	"time"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

// Stamper sets the processing time on records. It holds no mutable state
// and is safe for concurrent use.
type Stamper struct {
	now func() time.Time
}

// New returns a Stamper using now as its clock. A nil clock means time.Now.
func New(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

// Enrich returns a copy of r stamped with the current time, in UTC and
// truncated to microseconds to match what the stores persist.
func (s *Stamper) Enrich(r record.Record) record.Record {
	return record.Stamp(r, s.now().UTC().Truncate(time.Microsecond))
}
