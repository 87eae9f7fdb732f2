package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

const uniqueViolation = "23505"

type pgStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and creates the destination tables. maxConns
// should match the chunk worker count; values <= 0 mean 2.
func Open(ctx context.Context, dsn string, maxConns int) (store.Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse dsn")
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(errors.Join(internalerr.ErrStoreUnavailable, err), "postgres: ping")
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: init schema")
	}
	return &pgStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS customers (
	id BIGINT PRIMARY KEY,
	first_name VARCHAR(255),
	last_name VARCHAR(255),
	email VARCHAR(255),
	created_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS products (
	id BIGINT PRIMARY KEY,
	name VARCHAR(255),
	description VARCHAR(255),
	price NUMERIC(10, 2) NOT NULL,
	created_at TIMESTAMPTZ
);
`)
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

// InsertCustomers queues every row into one pgx.Batch sent inside the
// chunk transaction.
func (t *pgTx) InsertCustomers(ctx context.Context, rows []*record.Customer) error {
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, c := range rows {
		b.Queue(`INSERT INTO customers (id, first_name, last_name, email, created_at) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.FirstName, c.LastName, c.Email, c.ProcessedAt)
	}
	return t.send(ctx, b, "customers", func(i int) int64 { return rows[i].ID })
}

// InsertProducts queues every row into one pgx.Batch sent inside the
// chunk transaction.
func (t *pgTx) InsertProducts(ctx context.Context, rows []*record.Product) error {
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range rows {
		b.Queue(`INSERT INTO products (id, name, description, price, created_at) VALUES ($1, $2, $3, $4::numeric, $5)`,
			p.ID, p.Name, p.Description, p.Price(), p.ProcessedAt)
	}
	return t.send(ctx, b, "products", func(i int) int64 { return rows[i].ID })
}

func (t *pgTx) send(ctx context.Context, b *pgx.Batch, table string, idAt func(int) int64) error {
	n := b.Len()
	br := t.tx.SendBatch(ctx, b)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return insertErr(err, table, idAt(i))
		}
	}
	return br.Close()
}

func (t *pgTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func insertErr(err error, table string, id int64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s id %d: %w", table, id, internalerr.ErrDuplicate)
	}
	return fmt.Errorf("%s id %d: %w", table, id, err)
}

func (s *pgStore) CountCustomers(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers`).Scan(&n)
	return n, err
}

func (s *pgStore) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

func (s *pgStore) ListCustomers(ctx context.Context) ([]record.Customer, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, first_name, last_name, email, created_at FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Customer
	for rows.Next() {
		var c record.Customer
		var created *time.Time
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &created); err != nil {
			return nil, err
		}
		c.ProcessedAt = utc(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) ListProducts(ctx context.Context) ([]record.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, (price * 100)::bigint, created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Product
	for rows.Next() {
		var p record.Product
		var created *time.Time
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &created); err != nil {
			return nil, err
		}
		p.ProcessedAt = utc(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
