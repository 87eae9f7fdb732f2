package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

// Sink writes all records of one schema inside a chunk transaction.
type Sink interface {
	Tag() record.SchemaTag
	Write(ctx context.Context, tx store.Tx, recs []record.Record) error
}

// RoutingError reports records whose schema has no registered sink.
type RoutingError struct {
	Tag record.SchemaTag
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: no sink registered for schema %q", e.Tag)
}

// WriteError reports a chunk that failed to commit. Nothing from the chunk
// was committed.
type WriteError struct {
	Tag   record.SchemaTag // empty when begin or commit failed
	Count int
	Err   error
}

func (e *WriteError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("router: chunk of %d records not committed: %v", e.Count, e.Err)
	}
	return fmt.Sprintf("router: writing %d %s records: %v", e.Count, e.Tag, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Router dispatches chunk records to the sink matching their schema.
type Router struct {
	store store.Store
	sinks map[record.SchemaTag]Sink
}

// New creates a router over st. Registering two sinks for one tag is an error.
func New(st store.Store, sinks ...Sink) (*Router, error) {
	r := &Router{store: st, sinks: make(map[record.SchemaTag]Sink, len(sinks))}
	for _, s := range sinks {
		if _, dup := r.sinks[s.Tag()]; dup {
			return nil, fmt.Errorf("router: duplicate sink for schema %q", s.Tag())
		}
		r.sinks[s.Tag()] = s
	}
	return r, nil
}

// Default creates a router with a sink for every known schema.
func Default(st store.Store) *Router {
	r, _ := New(st, CustomerSink(), ProductSink())
	return r
}

// Tags lists the registered schemas.
func (r *Router) Tags() []record.SchemaTag {
	var out []record.SchemaTag
	for _, tag := range record.Tags() {
		if _, ok := r.sinks[tag]; ok {
			out = append(out, tag)
		}
	}
	return out
}

type group struct {
	tag  record.SchemaTag
	recs []record.Record
}

// Write commits recs as one transaction: every per-schema batch lands, or
// none does.
func (r *Router) Write(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	groups, err := r.group(recs)
	if err != nil {
		return err
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return &WriteError{Count: len(recs), Err: err}
	}
	defer tx.Rollback()

	for _, g := range groups {
		if err := r.sinks[g.tag].Write(ctx, tx, g.recs); err != nil {
			return &WriteError{Tag: g.tag, Count: len(g.recs), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Count: len(recs), Err: err}
	}
	return nil
}

// group splits recs by schema in first-seen order, keeping record order
// within each schema.
func (r *Router) group(recs []record.Record) ([]group, error) {
	idx := make(map[record.SchemaTag]int)
	var groups []group
	for _, rec := range recs {
		tag := rec.Tag()
		if _, ok := r.sinks[tag]; !ok {
			return nil, &RoutingError{Tag: tag}
		}
		i, ok := idx[tag]
		if !ok {
			i = len(groups)
			idx[tag] = i
			groups = append(groups, group{tag: tag})
		}
		groups[i].recs = append(groups[i].recs, rec)
	}
	return groups, nil
}

// String lists the registered schemas, e.g. "router[customer product]".
func (r *Router) String() string {
	tags := make([]string, 0, len(r.sinks))
	for _, t := range r.Tags() {
		tags = append(tags, string(t))
	}
	return "router[" + strings.Join(tags, " ") + "]"
}
