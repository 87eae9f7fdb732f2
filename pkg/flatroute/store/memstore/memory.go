package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

// Store is an in-memory implementation of store.Store for tests and dry runs.
// Transactions stage their rows and apply them atomically on Commit.
type Store struct {
	mu        sync.RWMutex
	customers map[int64]record.Customer
	products  map[int64]record.Product
	commits   int
	failOn    map[failKey]error
}

var _ store.Store = (*Store)(nil)

type failKey struct {
	tag record.SchemaTag
	id  int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		customers: make(map[int64]record.Customer),
		products:  make(map[int64]record.Product),
		failOn:    make(map[failKey]error),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// FailOn makes any insert of the given record fail with err.
func (s *Store) FailOn(tag record.SchemaTag, id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[failKey{tag: tag, id: id}] = err
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Begin implements store.Store.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		s:         s,
		customers: make(map[int64]record.Customer),
		products:  make(map[int64]record.Product),
	}, nil
}

type tx struct {
	s         *Store
	customers map[int64]record.Customer
	products  map[int64]record.Product
	done      bool
}

func (t *tx) InsertCustomers(ctx context.Context, rows []*record.Customer) error {
	if t.done {
		return internalerr.ErrTxDone
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, c := range rows {
		if err := t.s.failOn[failKey{tag: record.TagCustomer, id: c.ID}]; err != nil {
			return fmt.Errorf("customers id %d: %w", c.ID, err)
		}
		_, committed := t.s.customers[c.ID]
		_, staged := t.customers[c.ID]
		if committed || staged {
			return fmt.Errorf("customers id %d: %w", c.ID, internalerr.ErrDuplicate)
		}
		t.customers[c.ID] = *c
	}
	return nil
}

func (t *tx) InsertProducts(ctx context.Context, rows []*record.Product) error {
	if t.done {
		return internalerr.ErrTxDone
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, p := range rows {
		if err := t.s.failOn[failKey{tag: record.TagProduct, id: p.ID}]; err != nil {
			return fmt.Errorf("products id %d: %w", p.ID, err)
		}
		_, committed := t.s.products[p.ID]
		_, staged := t.products[p.ID]
		if committed || staged {
			return fmt.Errorf("products id %d: %w", p.ID, internalerr.ErrDuplicate)
		}
		t.products[p.ID] = *p
	}
	return nil
}

// Commit applies every staged row or none. A row committed by a concurrent
// transaction since it was staged fails the whole commit.
func (t *tx) Commit() error {
	if t.done {
		return internalerr.ErrTxDone
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id := range t.customers {
		if _, ok := t.s.customers[id]; ok {
			return fmt.Errorf("customers id %d: %w", id, internalerr.ErrDuplicate)
		}
	}
	for id := range t.products {
		if _, ok := t.s.products[id]; ok {
			return fmt.Errorf("products id %d: %w", id, internalerr.ErrDuplicate)
		}
	}
	for id, c := range t.customers {
		t.s.customers[id] = c
	}
	for id, p := range t.products {
		t.s.products[id] = p
	}
	t.s.commits++
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	t.customers = nil
	t.products = nil
	return nil
}

// CountCustomers implements store.Store.
func (s *Store) CountCustomers(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.customers)), nil
}

// CountProducts implements store.Store.
func (s *Store) CountProducts(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.products)), nil
}

// ListCustomers returns all customers ordered by id.
func (s *Store) ListCustomers(ctx context.Context) ([]record.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListProducts returns all products ordered by id.
func (s *Store) ListProducts(ctx context.Context) ([]record.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
